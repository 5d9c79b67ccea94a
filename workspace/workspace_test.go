package workspace

import "testing"

func TestStaticServiceGetWorkspace(t *testing.T) {
	svc := NewStaticService([]Workspace{
		{ID: "ws1", Name: "Project One", LocalPath: "/work/ws1"},
		{ID: "ws2", Name: "Project Two", LocalPath: "/work/ws2"},
	})

	w, ok := svc.GetWorkspace("ws1")
	if !ok || w.Name != "Project One" {
		t.Fatalf("GetWorkspace(ws1) = %+v, %v", w, ok)
	}

	if _, ok := svc.GetWorkspace("missing"); ok {
		t.Fatal("GetWorkspace(missing) found a workspace, want not found")
	}
}

func TestStaticServiceListWorkspacesOrdered(t *testing.T) {
	svc := NewStaticService([]Workspace{
		{ID: "ws2", Name: "Two"},
		{ID: "ws1", Name: "One"},
	})

	list := svc.ListWorkspaces()
	if len(list) != 2 || list[0].ID != "ws1" || list[1].ID != "ws2" {
		t.Fatalf("ListWorkspaces() = %+v", list)
	}
}
