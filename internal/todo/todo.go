// Package todo is the todo list application built on a replica: todos,
// todo types and the mapping that lets a deleted type be merged into another
// without rewriting every todo that references it.
package todo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/replica"
)

// Dataset names.
const (
	DatasetTodos       = "todos"
	DatasetTypes       = "todoTypes"
	DatasetTypeMapping = "todoTypeMapping"
)

// Datasets lists every dataset the application writes.
var Datasets = []string{DatasetTodos, DatasetTypes, DatasetTypeMapping}

// Palette holds the colors a new type may get.
var Palette = []string{"green", "blue", "red", "orange", "yellow", "teal", "purple", "pink"}

// DefaultTypes are seeded into an empty replica after its first sync.
var DefaultTypes = []Type{
	{Name: "Personal", Color: "green"},
	{Name: "Work", Color: "blue"},
}

var (
	// ErrBlankName is returned for a todo or type without a name.
	ErrBlankName = errors.New("name can't be blank")

	// ErrSelfMerge is returned when a type would be merged into itself.
	ErrSelfMerge = errors.New("cannot merge type into itself")
)

// Type is a todo category.
type Type struct {
	ID    string
	Name  string
	Color string
}

// Todo is one list entry. Type is nil when the todo has no type or its type
// was deleted without a merge.
type Todo struct {
	ID      string
	Name    string
	Type    *Type
	Order   float64
	Deleted bool
}

// App is the todo application over one replica.
type App struct {
	engine *replica.Engine
	pick   func(n int) int
}

// New returns the application for engine. The engine's store must accept
// the Datasets.
func New(engine *replica.Engine) *App {
	return &App{engine: engine, pick: rand.IntN}
}

// Engine returns the underlying replica engine.
func (a *App) Engine() *replica.Engine {
	return a.engine
}

// AddTodo appends a todo at the end of the list. typeID may be empty.
func (a *App) AddTodo(ctx context.Context, name, typeID string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrBlankName
	}
	n, err := a.NumTodos(ctx)
	if err != nil {
		return "", err
	}

	fields := crdt.Fields{
		"name":  message.Text(name),
		"order": message.Number(float64(n)),
	}
	if typeID != "" {
		fields["type"] = message.Text(typeID)
	}
	return a.engine.InsertRow(ctx, DatasetTodos, fields)
}

// RenameTodo changes a todo's name.
func (a *App) RenameTodo(ctx context.Context, id, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrBlankName
	}
	return a.engine.UpdateRow(ctx, DatasetTodos, id, crdt.Fields{"name": message.Text(name)})
}

// SetTodoType changes a todo's type.
func (a *App) SetTodoType(ctx context.Context, id, typeID string) error {
	return a.engine.UpdateRow(ctx, DatasetTodos, id, crdt.Fields{"type": message.Text(typeID)})
}

// DeleteTodo tombstones a todo.
func (a *App) DeleteTodo(ctx context.Context, id string) error {
	return a.engine.DeleteRow(ctx, DatasetTodos, id)
}

// UndeleteTodo restores a deleted todo.
func (a *App) UndeleteTodo(ctx context.Context, id string) error {
	return a.engine.Undelete(ctx, DatasetTodos, id)
}

// NumTodos counts every todo ever created, deleted ones included, so a new
// todo always sorts last.
func (a *App) NumTodos(ctx context.Context) (int, error) {
	return a.engine.Count(ctx, DatasetTodos, crdt.ReadAll)
}

// Todos returns the active todos in list order with their types resolved.
func (a *App) Todos(ctx context.Context) ([]Todo, error) {
	return a.todos(ctx, crdt.ReadActive)
}

// DeletedTodos returns the tombstoned todos.
func (a *App) DeletedTodos(ctx context.Context) ([]Todo, error) {
	return a.todos(ctx, crdt.ReadTombstoned)
}

// AllTodos returns every todo.
func (a *App) AllTodos(ctx context.Context) ([]Todo, error) {
	return a.todos(ctx, crdt.ReadAll)
}

func (a *App) todos(ctx context.Context, filter crdt.ReadFilter) ([]Todo, error) {
	rows, err := a.engine.Rows(ctx, DatasetTodos, filter)
	if err != nil {
		return nil, err
	}

	out := make([]Todo, 0, len(rows))
	for _, r := range rows {
		t := Todo{ID: r.ID, Name: r.Text("name"), Deleted: r.Tombstoned()}
		if order, ok := r.Number("order"); ok {
			t.Order = order
		}
		if typeID := r.Text("type"); typeID != "" {
			if t.Type, err = a.ResolveType(ctx, typeID); err != nil {
				return nil, fmt.Errorf("todo %s: %w", r.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// ResolveType follows a type id through the mapping to the type that now
// stands for it.
func (a *App) ResolveType(ctx context.Context, id string) (*Type, error) {
	row, err := a.engine.Resolve(ctx, DatasetTypeMapping, id, DatasetTypes)
	if err != nil || row == nil {
		return nil, err
	}
	return typeFromRow(*row), nil
}

func typeFromRow(r crdt.Row) *Type {
	return &Type{ID: r.ID, Name: r.Text("name"), Color: r.Text("color")}
}

// AddType creates a type and its identity mapping. An empty color picks one
// from the Palette at random.
func (a *App) AddType(ctx context.Context, name, color string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrBlankName
	}
	if color == "" {
		color = Palette[a.pick(len(Palette))]
	}

	id, err := a.engine.InsertRow(ctx, DatasetTypes, crdt.Fields{
		"name":  message.Text(name),
		"color": message.Text(color),
	})
	if err != nil {
		return "", err
	}
	err = a.engine.InsertRowWithID(ctx, DatasetTypeMapping, id, crdt.Fields{
		crdt.TargetColumn: message.Text(id),
	})
	if err != nil {
		return "", fmt.Errorf("map type %s: %w", id, err)
	}
	return id, nil
}

// Types returns the active types.
func (a *App) Types(ctx context.Context) ([]Type, error) {
	rows, err := a.engine.Rows(ctx, DatasetTypes, crdt.ReadActive)
	if err != nil {
		return nil, err
	}
	out := make([]Type, 0, len(rows))
	for _, r := range rows {
		out = append(out, *typeFromRow(r))
	}
	return out, nil
}

// DeleteType tombstones a type. When mergeInto is set, every mapping that
// pointed at the type is redirected to mergeInto first, so todos of the
// deleted type show up under mergeInto on every replica.
func (a *App) DeleteType(ctx context.Context, id, mergeInto string) error {
	if id == mergeInto {
		return ErrSelfMerge
	}

	if mergeInto != "" {
		if _, err := a.engine.Row(ctx, DatasetTypes, mergeInto); err != nil {
			return fmt.Errorf("merge target: %w", err)
		}
		mappings, err := a.engine.Rows(ctx, DatasetTypeMapping, crdt.ReadAll)
		if err != nil {
			return err
		}
		for _, m := range mappings {
			if m.Text(crdt.TargetColumn) != id {
				continue
			}
			err := a.engine.UpdateRow(ctx, DatasetTypeMapping, m.ID, crdt.Fields{
				crdt.TargetColumn: message.Text(mergeInto),
			})
			if err != nil {
				return fmt.Errorf("remap %s: %w", m.ID, err)
			}
		}
	}

	return a.engine.DeleteRow(ctx, DatasetTypes, id)
}

// SeedDefaultTypes inserts the DefaultTypes when the replica has no types.
// Call it after the first sync so that types created elsewhere are seen
// first. Reports whether anything was inserted.
func (a *App) SeedDefaultTypes(ctx context.Context) (bool, error) {
	n, err := a.engine.Count(ctx, DatasetTypes, crdt.ReadActive)
	if err != nil || n > 0 {
		return false, err
	}
	for _, t := range DefaultTypes {
		if _, err := a.AddType(ctx, t.Name, t.Color); err != nil {
			return false, fmt.Errorf("seed type %s: %w", t.Name, err)
		}
	}
	return true, nil
}
