package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-plex/internal/model"
)

// ordered is a map that remembers insertion order.
type ordered[T any] struct {
	items map[string]T
	order []string
}

func newOrdered[T any]() *ordered[T] {
	return &ordered[T]{items: make(map[string]T)}
}

func (o *ordered[T]) put(id string, v T) {
	if _, ok := o.items[id]; !ok {
		o.order = append(o.order, id)
	}
	o.items[id] = v
}

func (o *ordered[T]) get(id string) (T, bool) {
	v, ok := o.items[id]
	return v, ok
}

func (o *ordered[T]) remove(id string) bool {
	if _, ok := o.items[id]; !ok {
		return false
	}
	delete(o.items, id)
	for i, existing := range o.order {
		if existing == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return true
}

func (o *ordered[T]) values() []T {
	out := make([]T, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.items[id])
	}
	return out
}

// MemoryStore holds all state in process memory. Reads return copies.
type MemoryStore struct {
	mu          sync.RWMutex
	connections *ordered[model.ServerConnection]
	credentials *ordered[model.Credential]
	groups      *ordered[model.ConnectionGroup]
	providers   *ordered[model.Provider]
	hosts       *ordered[model.DiscoveredHost]
	executions  *ordered[*model.CommandExecution]
	saved       *ordered[model.SavedCommand]
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: newOrdered[model.ServerConnection](),
		credentials: newOrdered[model.Credential](),
		groups:      newOrdered[model.ConnectionGroup](),
		providers:   newOrdered[model.Provider](),
		hosts:       newOrdered[model.DiscoveredHost](),
		executions:  newOrdered[*model.CommandExecution](),
		saved:       newOrdered[model.SavedCommand](),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

func newID() string {
	return uuid.New().String()
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneConnection(c model.ServerConnection) model.ServerConnection {
	c.Tags = copyMap(c.Tags)
	return c
}

func cloneCredential(c model.Credential) model.Credential {
	c.AutoAssignPatterns = append([]string(nil), c.AutoAssignPatterns...)
	c.AutoAssignOSTypes = append([]model.OSType(nil), c.AutoAssignOSTypes...)
	return c
}

func cloneGroup(g model.ConnectionGroup) model.ConnectionGroup {
	g.Rules = append([]model.GroupRule(nil), g.Rules...)
	return g
}

func cloneProvider(p model.Provider) model.Provider {
	p.Options = copyMap(p.Options)
	if p.LastSyncAt != nil {
		t := *p.LastSyncAt
		p.LastSyncAt = &t
	}
	return p
}

func cloneHost(h model.DiscoveredHost) model.DiscoveredHost {
	h.Metadata = copyMap(h.Metadata)
	h.Tags = copyMap(h.Tags)
	return h
}

func cloneExecution(e *model.CommandExecution) *model.CommandExecution {
	out := *e
	out.ConnectionIDs = append([]string(nil), e.ConnectionIDs...)
	out.Results = append([]model.CommandResult(nil), e.Results...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneSaved(c model.SavedCommand) model.SavedCommand {
	c.Variables = copyMap(c.Variables)
	return c
}

// --- Connections ---

func (s *MemoryStore) GetConnections(ctx context.Context) ([]model.ServerConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.connections.values()
	for i := range out {
		out[i] = cloneConnection(out[i])
	}
	return out, nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, id string) (*model.ServerConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections.get(id)
	if !ok {
		return nil, nil
	}
	c = cloneConnection(c)
	return &c, nil
}

func (s *MemoryStore) UpsertConnection(ctx context.Context, conn *model.ServerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == "" {
		conn.ID = newID()
	}
	s.connections.put(conn.ID, cloneConnection(*conn))
	return nil
}

func (s *MemoryStore) DeleteConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connections.remove(id) {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Credentials ---

func (s *MemoryStore) GetCredentials(ctx context.Context) ([]model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.credentials.values()
	for i := range out {
		out[i] = cloneCredential(out[i])
	}
	return out, nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials.get(id)
	if !ok {
		return nil, nil
	}
	c = cloneCredential(c)
	return &c, nil
}

func (s *MemoryStore) UpsertCredential(ctx context.Context, cred *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.ID == "" {
		cred.ID = newID()
	}
	s.credentials.put(cred.ID, cloneCredential(*cred))
	return nil
}

func (s *MemoryStore) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.credentials.remove(id) {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Groups ---

func (s *MemoryStore) GetGroups(ctx context.Context) ([]model.ConnectionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.groups.values()
	for i := range out {
		out[i] = cloneGroup(out[i])
	}
	return out, nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, id string) (*model.ConnectionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups.get(id)
	if !ok {
		return nil, nil
	}
	g = cloneGroup(g)
	return &g, nil
}

func (s *MemoryStore) UpsertGroup(ctx context.Context, group *model.ConnectionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group.ID == "" {
		group.ID = newID()
	}
	s.groups.put(group.ID, cloneGroup(*group))
	return nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.groups.remove(id) {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Providers ---

func (s *MemoryStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.providers.values()
	for i := range out {
		out[i] = cloneProvider(out[i])
	}
	return out, nil
}

func (s *MemoryStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers.get(id)
	if !ok {
		return nil, nil
	}
	p = cloneProvider(p)
	return &p, nil
}

func (s *MemoryStore) UpsertProvider(ctx context.Context, provider *model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if provider.ID == "" {
		provider.ID = newID()
	}
	s.providers.put(provider.ID, cloneProvider(*provider))
	return nil
}

func (s *MemoryStore) DeleteProvider(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.providers.remove(id) {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	for _, h := range s.hosts.values() {
		if h.ProviderID == id {
			s.hosts.remove(h.ID)
		}
	}
	return nil
}

func (s *MemoryStore) TouchProviderSync(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers.get(id)
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	p.LastSyncAt = &at
	s.providers.put(id, p)
	return nil
}

// --- Discovered hosts ---

func (s *MemoryStore) GetDiscoveredHosts(ctx context.Context, providerID string) ([]model.DiscoveredHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DiscoveredHost
	for _, h := range s.hosts.values() {
		if h.ProviderID == providerID {
			out = append(out, cloneHost(h))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetDiscoveredHost(ctx context.Context, id string) (*model.DiscoveredHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts.get(id)
	if !ok {
		return nil, nil
	}
	h = cloneHost(h)
	return &h, nil
}

func (s *MemoryStore) UpsertDiscoveredHost(ctx context.Context, host *model.DiscoveredHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.hosts.values() {
		if existing.ProviderID == host.ProviderID && existing.ProviderHostID == host.ProviderHostID {
			host.ID = existing.ID
			host.DiscoveredAt = existing.DiscoveredAt
			host.Imported = host.Imported || existing.Imported
			if host.ConnectionID == "" {
				host.ConnectionID = existing.ConnectionID
			}
			s.hosts.put(host.ID, cloneHost(*host))
			return nil
		}
	}

	if host.ID == "" {
		host.ID = newID()
	}
	if host.DiscoveredAt.IsZero() {
		host.DiscoveredAt = time.Now()
	}
	s.hosts.put(host.ID, cloneHost(*host))
	return nil
}

func (s *MemoryStore) DeleteDiscoveredHost(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hosts.remove(id) {
		return fmt.Errorf("discovered host %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MemoryStore) MarkHostImported(ctx context.Context, id string, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts.get(id)
	if !ok {
		return fmt.Errorf("discovered host %s: %w", id, ErrNotFound)
	}
	h.Imported = true
	h.ConnectionID = connectionID
	s.hosts.put(id, h)
	return nil
}

// --- Executions ---

func (s *MemoryStore) CreateCommandExecution(ctx context.Context, exec *model.CommandExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = newID()
	}
	if _, ok := s.executions.get(exec.ID); ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	s.executions.put(exec.ID, cloneExecution(exec))
	return nil
}

func (s *MemoryStore) GetCommandExecution(ctx context.Context, id string) (*model.CommandExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions.get(id)
	if !ok {
		return nil, nil
	}
	return cloneExecution(e), nil
}

// ListCommandExecutions returns the newest executions first.
func (s *MemoryStore) ListCommandExecutions(ctx context.Context, limit int) ([]model.CommandExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.executions.values()
	out := make([]model.CommandExecution, 0, len(all))
	for _, e := range all {
		out = append(out, *cloneExecution(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateCommandExecution(ctx context.Context, id string, patch model.ExecutionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions.get(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		e.CompletedAt = &t
	}
	return nil
}

func (s *MemoryStore) UpdateCommandResult(ctx context.Context, id string, result model.CommandResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions.get(id)
	if !ok {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	slot := e.ResultFor(result.ConnectionID)
	if slot < 0 {
		return fmt.Errorf("execution %s has no slot for connection %s: %w", id, result.ConnectionID, ErrNotFound)
	}
	e.Results[slot] = result
	return nil
}

// --- Saved commands ---

func (s *MemoryStore) ListSavedCommands(ctx context.Context) ([]model.SavedCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.saved.values()
	for i := range out {
		out[i] = cloneSaved(out[i])
	}
	return out, nil
}

func (s *MemoryStore) GetSavedCommand(ctx context.Context, id string) (*model.SavedCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.saved.get(id)
	if !ok {
		return nil, nil
	}
	c = cloneSaved(c)
	return &c, nil
}

func (s *MemoryStore) UpsertSavedCommand(ctx context.Context, cmd *model.SavedCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if cmd.ID == "" {
		cmd.ID = newID()
	}
	if existing, ok := s.saved.get(cmd.ID); ok {
		cmd.CreatedAt = existing.CreatedAt
	} else if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	s.saved.put(cmd.ID, cloneSaved(*cmd))
	return nil
}

func (s *MemoryStore) DeleteSavedCommand(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved.remove(id) {
		return fmt.Errorf("saved command %s: %w", id, ErrNotFound)
	}
	return nil
}
