package memory

import "context"

// Unconfigured is the gateway used when no backend is configured. Every
// operation fails fast with ErrNotConfigured.
type Unconfigured struct{}

var _ Gateway = Unconfigured{}

func (Unconfigured) Add(context.Context, []NewRecord, AddOptions) (AddResult, error) {
	return AddResult{}, ErrNotConfigured
}

func (Unconfigured) Search(context.Context, string, SearchOptions) (SearchResult, error) {
	return SearchResult{}, ErrNotConfigured
}

func (Unconfigured) GetAll(context.Context, ListOptions) (SearchResult, error) {
	return SearchResult{}, ErrNotConfigured
}

func (Unconfigured) Delete(context.Context, string) error {
	return ErrNotConfigured
}
