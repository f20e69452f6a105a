// Memory tools - per-user long-term notes
package tools

import (
	"context"
	"errors"
	"strings"
)

// MemoryStore persists short notes scoped to one user
type MemoryStore interface {
	SaveMemory(ctx context.Context, userID, text string) error
	SearchMemories(ctx context.Context, userID, query string, limit int) ([]string, error)
}

type SaveMemoryTool struct {
	Store MemoryStore
}

func (t *SaveMemoryTool) Name() string { return "save_memory" }

func (t *SaveMemoryTool) Description() string {
	return "Remember a fact about the user for future conversations."
}

func (t *SaveMemoryTool) Parameters() map[string]any {
	return objectSchema([]string{"text"}, map[string]any{
		"text": stringProp("The fact to remember, as a short sentence"),
	})
}

func (t *SaveMemoryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	uid := UserID(ctx)
	if uid == "" {
		return nil, errors.New("memory is unavailable without a user")
	}
	text := strings.TrimSpace(GetString(args, "text"))
	if text == "" {
		return nil, errors.New("text is required")
	}
	if err := t.Store.SaveMemory(ctx, uid, text); err != nil {
		return nil, err
	}
	return "Saved.", nil
}

type SearchMemoryTool struct {
	Store MemoryStore
}

func (t *SearchMemoryTool) Name() string { return "search_memory" }

func (t *SearchMemoryTool) Description() string {
	return "Look up facts previously remembered about the user. An empty query lists the most recent ones."
}

func (t *SearchMemoryTool) Parameters() map[string]any {
	return objectSchema(nil, map[string]any{
		"query": stringProp("Words to look for"),
		"limit": map[string]any{"type": "integer", "description": "Maximum results (default 10)"},
	})
}

func (t *SearchMemoryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	uid := UserID(ctx)
	if uid == "" {
		return nil, errors.New("memory is unavailable without a user")
	}
	limit := GetInt(args, "limit")
	if limit <= 0 {
		limit = 10
	}
	found, err := t.Store.SearchMemories(ctx, uid, strings.TrimSpace(GetString(args, "query")), limit)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return "No memories found.", nil
	}
	return "- " + strings.Join(found, "\n- "), nil
}
