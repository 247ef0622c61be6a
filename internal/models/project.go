package models

// Upload is the summary the API returns after a project archive has been accepted.
type Upload struct {
	ID           string   `json:"upload_id"`
	FileName     string   `json:"file_name"`
	TotalFiles   int      `json:"total_files"`
	TopLevel     []string `json:"top_level"`
	PreviewFiles []string `json:"preview_files"`
	FolderPath   string   `json:"folder_path"`
}

// FileNodeType distinguishes files from folders in a project tree.
type FileNodeType string

const (
	FileNodeFile   FileNodeType = "file"
	FileNodeFolder FileNodeType = "folder"
)

// FileNode is one entry of the recursive file tree of an uploaded project.
type FileNode struct {
	Type     FileNodeType `json:"type"`
	Name     string       `json:"name"`
	Path     string       `json:"path"`
	Children []FileNode   `json:"children,omitempty"`
}

// FileTree is the file tree of a project as returned by the API.
type FileTree struct {
	ProjectID string     `json:"project_id"`
	Files     []FileNode `json:"files"`
}

// FirstFile returns the path of the first file found by a depth-first walk of nodes, in listing order.
func FirstFile(nodes []FileNode) (string, bool) {
	for _, node := range nodes {
		if node.Type == FileNodeFile {
			return node.Path, true
		}
		if len(node.Children) > 0 {
			if p, ok := FirstFile(node.Children); ok {
				return p, true
			}
		}
	}
	return "", false
}
