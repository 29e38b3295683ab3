package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/missionlink/pkg/types"
)

// ErrInvalid is returned for documents that fail validation before write.
var ErrInvalid = errors.New("invalid document")

// Repository stores resources, their messages and their file-change proposals.
//
// Layout:
//
//	resource/<id>.json
//	message/<resource_id>/<id>.json
//	file_change/<resource_id>/<id>.json
type Repository struct {
	store *Storage
}

// NewRepository creates a repository on store.
func NewRepository(store *Storage) *Repository {
	return &Repository{store: store}
}

// NewID returns a new time-ordered identifier.
func NewID() string {
	return ulid.Make().String()
}

// CreateResource stores a new resource, filling in id and timestamps.
func (r *Repository) CreateResource(ctx context.Context, res *types.Resource) error {
	if !types.ValidResourceKind(res.Kind) {
		return fmt.Errorf("%w: unknown resource kind %q", ErrInvalid, res.Kind)
	}
	if res.ID == "" {
		res.ID = NewID()
	}
	now := time.Now().UnixMilli()
	if res.Time.Created == 0 {
		res.Time.Created = now
	}
	res.Time.Updated = now
	if res.Status == "" {
		res.Status = "active"
	}
	return r.store.Put(ctx, []string{"resource", res.ID}, res)
}

// GetResource returns the resource with the given id or ErrNotFound.
func (r *Repository) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	var res types.Resource
	if err := r.store.Get(ctx, []string{"resource", id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListResources returns all resources, optionally filtered by kind, oldest first.
func (r *Repository) ListResources(ctx context.Context, kind string) ([]*types.Resource, error) {
	resources := []*types.Resource{}
	err := r.store.Scan(ctx, []string{"resource"}, func(_ string, data json.RawMessage) error {
		var res types.Resource
		if err := json.Unmarshal(data, &res); err != nil {
			return nil
		}
		if kind == "" || res.Kind == kind {
			resources = append(resources, &res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Time.Created < resources[j].Time.Created
	})
	return resources, nil
}

// CreateMessage stores a message on an existing resource.
func (r *Repository) CreateMessage(ctx context.Context, msg *types.Message) error {
	if msg.ResourceID == "" {
		return fmt.Errorf("%w: message without resource", ErrInvalid)
	}
	if !r.store.Exists(ctx, []string{"resource", msg.ResourceID}) {
		return fmt.Errorf("resource %s: %w", msg.ResourceID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Time.Created == 0 {
		msg.Time.Created = time.Now().UnixMilli()
	}
	if err := r.store.Put(ctx, []string{"message", msg.ResourceID, msg.ID}, msg); err != nil {
		return err
	}
	return r.touch(ctx, msg.ResourceID)
}

// ListMessages returns a resource's messages in creation order.
func (r *Repository) ListMessages(ctx context.Context, resourceID string) ([]*types.Message, error) {
	messages := []*types.Message{}
	err := r.store.Scan(ctx, []string{"message", resourceID}, func(_ string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Time.Created != messages[j].Time.Created {
			return messages[i].Time.Created < messages[j].Time.Created
		}
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

// CreateFileChangeProposal stores a pending proposal.
func (r *Repository) CreateFileChangeProposal(ctx context.Context, p *types.FileChangeProposal) error {
	if p.ResourceID == "" || p.Path == "" {
		return fmt.Errorf("%w: proposal needs resource and path", ErrInvalid)
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.Status == "" {
		p.Status = "pending"
	}
	if p.Created == 0 {
		p.Created = time.Now().UnixMilli()
	}
	return r.store.Put(ctx, []string{"file_change", p.ResourceID, p.ID}, p)
}

// ListFileChanges returns a resource's proposals in creation order.
func (r *Repository) ListFileChanges(ctx context.Context, resourceID string) ([]*types.FileChangeProposal, error) {
	proposals := []*types.FileChangeProposal{}
	err := r.store.Scan(ctx, []string{"file_change", resourceID}, func(_ string, data json.RawMessage) error {
		var p types.FileChangeProposal
		if err := json.Unmarshal(data, &p); err != nil {
			return nil
		}
		proposals = append(proposals, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].ID < proposals[j].ID
	})
	return proposals, nil
}

func (r *Repository) touch(ctx context.Context, resourceID string) error {
	res, err := r.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	res.Time.Updated = time.Now().UnixMilli()
	return r.store.Put(ctx, []string{"resource", res.ID}, res)
}
