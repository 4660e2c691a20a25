// Package tools holds the built-in tools shipped with the server.
package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/RobinCoderZhao/toolgate/pkg/storage"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

// ExampleTool is a reference CRUD tool over the document store. Its
// list_items and get_data actions are public by default.
type ExampleTool struct {
	toolkit.BaseTool
	store *storage.Store
}

// NewExampleTool creates the example tool backed by store.
func NewExampleTool(store *storage.Store) *ExampleTool {
	return &ExampleTool{
		BaseTool: toolkit.BaseTool{
			ToolName:        "example",
			ToolDescription: "Reference tool demonstrating document store access",
			ToolCategory:    "examples",
			ToolVersion:     "1.0.0",
			ToolSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"description": "One of list_items, create_item, get_data, update_item, delete_item",
					},
					"id": map[string]any{
						"type":        "string",
						"description": "Item id for get_data, update_item, delete_item",
					},
					"data": map[string]any{
						"type":        "object",
						"description": "Item payload for create_item and update_item",
					},
				},
				"required": []string{"action"},
			},
		},
		store: store,
	}
}

// Execute runs the requested action.
func (t *ExampleTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	action, _ := args["action"].(string)
	switch action {
	case "list_items":
		return t.listItems(ctx)
	case "create_item":
		return t.createItem(ctx, args)
	case "get_data":
		return t.getData(ctx, args)
	case "update_item":
		return t.updateItem(ctx, args)
	case "delete_item":
		return t.deleteItem(ctx, args)
	default:
		return nil, toolkit.Validationf("unknown action: %s", action)
	}
}

func (t *ExampleTool) listItems(ctx context.Context) (any, error) {
	docs, err := t.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, itemView(&doc))
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

func (t *ExampleTool) createItem(ctx context.Context, args map[string]any) (any, error) {
	data, _ := args["data"].(map[string]any)
	if data == nil {
		return nil, toolkit.Validationf("missing required field: data")
	}
	id := uuid.NewString()
	if err := t.store.Put(ctx, id, data); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return map[string]any{"id": id, "data": data}, nil
}

func (t *ExampleTool) getData(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireID(args)
	if err != nil {
		return nil, err
	}
	doc, err := t.store.Get(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, toolkit.Validationf("item not found: %s", id)
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return itemView(doc), nil
}

func (t *ExampleTool) updateItem(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireID(args)
	if err != nil {
		return nil, err
	}
	data, _ := args["data"].(map[string]any)
	if data == nil {
		return nil, toolkit.Validationf("missing required field: data")
	}
	if err := t.store.Update(ctx, id, data); err != nil {
		if err == storage.ErrNotFound {
			return nil, toolkit.Validationf("item not found: %s", id)
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return map[string]any{"id": id, "data": data}, nil
}

func (t *ExampleTool) deleteItem(ctx context.Context, args map[string]any) (any, error) {
	id, err := requireID(args)
	if err != nil {
		return nil, err
	}
	if err := t.store.Delete(ctx, id); err != nil {
		if err == storage.ErrNotFound {
			return nil, toolkit.Validationf("item not found: %s", id)
		}
		return nil, fmt.Errorf("delete item: %w", err)
	}
	return map[string]any{"id": id, "deleted": true}, nil
}

func requireID(args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", toolkit.Validationf("missing required field: id")
	}
	return id, nil
}

func itemView(doc *storage.Document) map[string]any {
	view := map[string]any{
		"id":        doc.ID,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
	for k, v := range doc.Data {
		if k == "id" || k == "createdAt" || k == "updatedAt" {
			continue
		}
		view[k] = v
	}
	return view
}
