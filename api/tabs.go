package api

import "context"

// TabController resolves and navigates the tabs of the hosting
// application. An empty tab id always means the active tab.
type TabController interface {
	Resolve(ctx context.Context, tabID string) (*TabInfo, error)
	Navigate(ctx context.Context, tabID, url string) (*TabInfo, error)
	List(ctx context.Context) ([]*TabInfo, error)
}

// TabInfo describes one tab.
type TabInfo struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Active bool   `json:"active"`
}
