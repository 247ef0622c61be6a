package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/genie-web/internal/models"
	"github.com/MegaGrindStone/genie-web/internal/services"
)

type explorerData struct {
	ProjectID string
	ThreadID  string
	Files     []fileNode
	Error     string
	File      fileData
}

type fileNode struct {
	Name     string
	Folder   bool
	URL      string
	Children []fileNode
}

type fileData struct {
	ProjectID string
	ThreadID  string
	Path      string
	Content   template.HTML
}

// maxUploadSize bounds the multipart body accepted by HandleUpload.
const maxUploadSize = 64 << 20

// threadMissingMessage is shown when a project is browsed before any thread is open.
const threadMissingMessage = "User or thread missing; cannot load project files."

// HandleUpload forwards a project archive, sent in the "file" form field, to the API. Only .zip archives
// are accepted. On success an assistant message with the upload id is appended to the conversation.
func (m Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}
	ws := m.workspaces.get(sess.ID)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		m.logger.Error("Failed to read upload", slog.String(errLoggerKey, err.Error()))
		ws.conv.SetNotice("Unexpected error while processing the project archive.")
		m.renderChatbox(w, ws.conv, "")
		return
	}
	defer file.Close()

	upload, err := m.connect(sess).Upload(r.Context(), header.Filename, file)
	if err != nil {
		if !errors.Is(err, services.ErrNotZip) {
			m.logger.Error("Upload failed",
				slog.String("fileName", header.Filename),
				slog.String(errLoggerKey, err.Error()))
		}
		ws.conv.SetNotice(uploadNotice(err))
		m.renderChatbox(w, ws.conv, "")
		return
	}

	ws.conv.SetNotice("")
	ws.conv.Inform(fmt.Sprintf("Upload successful. ID: %s", upload.ID))
	m.renderChatbox(w, ws.conv, "")
}

func uploadNotice(err error) string {
	if errors.Is(err, services.ErrNotZip) {
		return "Please upload a .zip archive."
	}
	var sErr *services.StatusError
	if errors.As(err, &sErr) {
		if sErr.Detail != "" {
			return sErr.Detail
		}
		return fmt.Sprintf("Upload failed (%d)", sErr.Status)
	}
	return err.Error()
}

// HandleProjectTree renders the code explorer of an uploaded project: its file tree and the content of the
// first file found depth-first.
func (m Main) HandleProjectTree(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}

	projectID := r.PathValue("id")
	threadID := m.projectThread(r, sess.ID)
	data := explorerData{ProjectID: projectID, ThreadID: threadID}

	if projectID == "" || threadID == "" {
		data.Error = threadMissingMessage
		m.render(w, http.StatusOK, "code_explorer", data)
		return
	}

	api := m.connect(sess)
	tree, err := api.FileTree(r.Context(), sess.UserID, threadID, projectID)
	if err != nil {
		m.logger.Error("Failed to load file tree",
			slog.String("projectID", projectID),
			slog.String(errLoggerKey, err.Error()))
		data.Error = err.Error()
		m.render(w, http.StatusOK, "code_explorer", data)
		return
	}
	data.Files = newFileNodes(tree.Files, projectID, threadID)

	if p, ok := models.FirstFile(tree.Files); ok {
		data.File = m.loadFile(r, api, sess.UserID, threadID, projectID, p)
	}

	m.render(w, http.StatusOK, "code_explorer", data)
}

// HandleProjectFile renders one file of an uploaded project, named by the "path" query parameter, with
// syntax highlighting. Load errors are shown in place of the content.
func (m Main) HandleProjectFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := m.requireSession(w, r)
	if !ok {
		return
	}

	projectID := r.PathValue("id")
	threadID := m.projectThread(r, sess.ID)
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		http.Error(w, "Path is required", http.StatusBadRequest)
		return
	}

	if projectID == "" || threadID == "" {
		m.render(w, http.StatusOK, "file_view", fileData{
			ProjectID: projectID,
			Path:      filePath,
			Content:   m.codeBlock(filePath, "// Error: "+threadMissingMessage),
		})
		return
	}

	m.render(w, http.StatusOK, "file_view", m.loadFile(r, m.connect(sess), sess.UserID, threadID, projectID, filePath))
}

func newFileNodes(nodes []models.FileNode, projectID, threadID string) []fileNode {
	res := make([]fileNode, len(nodes))
	for i, n := range nodes {
		res[i] = fileNode{
			Name:   n.Name,
			Folder: n.Type == models.FileNodeFolder,
		}
		if res[i].Folder {
			res[i].Children = newFileNodes(n.Children, projectID, threadID)
			continue
		}
		q := url.Values{"thread_id": {threadID}, "path": {n.Path}}
		res[i].URL = "/projects/" + url.PathEscape(projectID) + "/file?" + q.Encode()
	}
	return res
}

// projectThread returns the thread the project belongs to: the "thread_id" query parameter, or the current
// thread of the session.
func (m Main) projectThread(r *http.Request, sessionID string) string {
	if id := r.URL.Query().Get("thread_id"); id != "" {
		return id
	}
	return m.workspaces.get(sessionID).conv.ThreadID()
}

func (m Main) loadFile(r *http.Request, api API, userID, threadID, projectID, filePath string) fileData {
	res := fileData{ProjectID: projectID, ThreadID: threadID, Path: filePath}

	content, err := api.FileContent(r.Context(), userID, threadID, projectID, filePath)
	if err != nil {
		m.logger.Error("Failed to load file content",
			slog.String("projectID", projectID),
			slog.String("path", filePath),
			slog.String(errLoggerKey, err.Error()))
		content = "// Error: " + err.Error()
	}

	res.Content = m.codeBlock(filePath, content)
	return res
}

func (m Main) codeBlock(filePath, content string) template.HTML {
	out, err := models.RenderCode(filePath, content)
	if err != nil {
		m.logger.Error("Failed to highlight file",
			slog.String("path", filePath),
			slog.String(errLoggerKey, err.Error()))
		return template.HTML("<pre>" + template.HTMLEscapeString(content) + "</pre>")
	}
	return out
}
