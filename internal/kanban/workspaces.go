package kanban

import (
	"sort"
	"strings"

	"github.com/agentworkforce/kanbanstream/internal/patchstream"
)

const workspacesSeed = `{"workspaces":{}}`

type Workspace struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Name      *string `json:"name"`
	Branch    string  `json:"branch"`
	IsRunning bool    `json:"is_running"`
	Pinned    bool    `json:"pinned"`
	Archived  bool    `json:"archived"`
	UpdatedAt string  `json:"updated_at"`
}

// SidebarWorkspace is the projection shown in the workspace list.
type SidebarWorkspace struct {
	ID        string
	Name      string
	Branch    string
	IsRunning bool
	Pinned    bool
	Archived  bool
}

type workspacesDocument struct {
	Workspaces map[string]Workspace `json:"workspaces"`
}

type WorkspacesStream struct {
	view
}

func NewWorkspacesStream(dialer patchstream.Dialer, opts patchstream.StreamOptions) (*WorkspacesStream, error) {
	v, err := newView(dialer, workspacesSeed, opts)
	if err != nil {
		return nil, err
	}
	return &WorkspacesStream{view: v}, nil
}

func (w *WorkspacesStream) Watch(enabled bool) {
	w.stream.Subscribe(patchstream.WorkspacesKey(), enabled)
}

func (w *WorkspacesStream) Active() ([]SidebarWorkspace, error) {
	return w.sidebar(false)
}

func (w *WorkspacesStream) Archived() ([]SidebarWorkspace, error) {
	return w.sidebar(true)
}

func (w *WorkspacesStream) sidebar(archived bool) ([]SidebarWorkspace, error) {
	var doc workspacesDocument
	if err := w.stream.Snapshot().Decode(&doc); err != nil {
		return nil, err
	}
	out := make([]SidebarWorkspace, 0, len(doc.Workspaces))
	for _, ws := range doc.Workspaces {
		if ws.Archived != archived {
			continue
		}
		out = append(out, toSidebar(ws))
	}
	sortSidebar(out)
	return out, nil
}

func toSidebar(ws Workspace) SidebarWorkspace {
	name := ws.Branch
	if ws.Name != nil && strings.TrimSpace(*ws.Name) != "" {
		name = *ws.Name
	}
	return SidebarWorkspace{
		ID:        ws.ID,
		Name:      name,
		Branch:    ws.Branch,
		IsRunning: ws.IsRunning,
		Pinned:    ws.Pinned,
		Archived:  ws.Archived,
	}
}

// sortSidebar puts pinned workspaces first, then orders by name and id.
func sortSidebar(list []SidebarWorkspace) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Pinned != list[j].Pinned {
			return list[i].Pinned
		}
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
}
