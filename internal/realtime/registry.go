package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/metrics"
	"github.com/sessioncast/relay/internal/ownership"
	"github.com/sessioncast/relay/internal/planlimit"
	"github.com/sessioncast/relay/internal/protocol"
)

// ErrNoAgent is returned when no live agent-api link is registered for an id.
var ErrNoAgent = errors.New("realtime: agent not connected")

// AgentSessionPrefix marks the session id an agent API link registers with.
const AgentSessionPrefix = "api-"

// Limits admits registrations against plan limits.
type Limits interface {
	AdmitHostSession(ctx context.Context, owner *ownership.Identity, current int) planlimit.Decision
	AdmitAgent(ctx context.Context, owner *ownership.Identity, current int, token string) planlimit.Decision
	CheckSessionLimit(ctx context.Context, bearer string) planlimit.Decision
}

// HostRegistration is a register(role=host) request with its resolved owner.
type HostRegistration struct {
	SessionID string
	Label     string
	MachineID string
	Owner     *ownership.Identity
}

// ViewerRegistration is a register(role=viewer) request. Token is the
// viewer's bearer used for the usage check.
type ViewerRegistration struct {
	SessionID string
	Owner     *ownership.Identity
	Token     string
}

// AgentRegistration binds an agent id to an agent API link.
type AgentRegistration struct {
	AgentID string
	Owner   *ownership.Identity
	Token   string
}

type frame struct {
	kind    protocol.Kind
	payload string
}

type session struct {
	mu        sync.Mutex
	id        string
	label     string
	machineID string
	status    string
	owner     *ownership.Identity
	// hosted is set once a host has registered; placeholders created by
	// early viewers are not hosted.
	hosted    bool
	host      Link
	viewers   map[string]Link
	lastFrame *frame
}

func (s *session) summary() protocol.SessionSummary {
	return protocol.SessionSummary{ID: s.id, Label: s.label, MachineID: s.machineID, Status: s.status}
}

func (s *session) viewerSnapshot() []Link {
	out := make([]Link, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// linkRecord is the registry's bookkeeping for one link.
type linkRecord struct {
	link  Link
	owner *ownership.Identity

	mu      sync.Mutex
	viewer  bool
	hosting map[string]struct{}
	viewing map[string]struct{}
	agentID string
}

type agentEntry struct {
	link  Link
	owner *ownership.Identity
}

// Config configures a Registry.
type Config struct {
	PlanUpgradeURL  string
	LimitUpgradeURL string
}

// Registry is the relay broker: the concurrent map from session id to
// session state, plus indexes of registered links and agent API links.
// Mutations of one session are serialized by that session's mutex; there is
// no lock spanning all sessions.
type Registry struct {
	sessions   sync.Map // id -> *session
	links      sync.Map // link id -> *linkRecord
	ownerLocks sync.Map // email -> *sync.Mutex

	agentsMu sync.RWMutex
	agents   map[string]agentEntry

	limits  Limits
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. limits may be nil to admit
// everything.
func NewRegistry(limits Limits, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PlanUpgradeURL == "" {
		cfg.PlanUpgradeURL = DefaultPlanUpgradeURL
	}
	if cfg.LimitUpgradeURL == "" {
		cfg.LimitUpgradeURL = DefaultLimitUpgradeURL
	}
	return &Registry{
		agents:  make(map[string]agentEntry),
		limits:  limits,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

func (r *Registry) loadOrCreate(id string) *session {
	if s, ok := r.sessions.Load(id); ok {
		return s.(*session)
	}
	s, _ := r.sessions.LoadOrStore(id, &session{
		id:      id,
		status:  protocol.StatusOffline,
		viewers: make(map[string]Link),
	})
	return s.(*session)
}

func (r *Registry) lookup(id string) (*session, bool) {
	s, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return s.(*session), true
}

func (r *Registry) record(link Link, owner *ownership.Identity) *linkRecord {
	rec, _ := r.links.LoadOrStore(link.ID(), &linkRecord{
		link:    link,
		owner:   owner,
		hosting: make(map[string]struct{}),
		viewing: make(map[string]struct{}),
	})
	return rec.(*linkRecord)
}

func (r *Registry) ownerOf(linkID string) *ownership.Identity {
	rec, ok := r.links.Load(linkID)
	if !ok {
		return nil
	}
	return rec.(*linkRecord).owner
}

// lockOwner serializes admission decisions for one owner so two new
// sessions cannot both pass a limit with one slot left.
func (r *Registry) lockOwner(email string) func() {
	v, _ := r.ownerLocks.LoadOrStore(email, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func sameOwner(a, b *ownership.Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Email == b.Email
}

func (r *Registry) hostKnown(id string) bool {
	s, ok := r.lookup(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hosted
}

// RegisterHost installs link as the host of reg.SessionID. A new session
// for an owner is admitted only within the owner's plan; re-registration of
// a known session skips the limit check. Any previous host is replaced and
// the viewer set is preserved.
func (r *Registry) RegisterHost(ctx context.Context, reg HostRegistration, link Link) *Rejection {
	if reg.Owner != nil {
		unlock := r.lockOwner(reg.Owner.Email)
		defer unlock()
		if !r.hostKnown(reg.SessionID) && r.limits != nil {
			current := r.CountSessionsByOwner(reg.Owner.Email)
			if d := r.limits.AdmitHostSession(ctx, reg.Owner, current); !d.Allowed {
				r.logger.Warn("session limit exceeded",
					zap.String("owner", reg.Owner.Email),
					zap.Int("current", d.Current),
					zap.Int("max", d.Max))
				r.metrics.Registration(string(protocol.RoleHost), "limit")
				return limitRejection(d, r.cfg.LimitUpgradeURL)
			}
		}
	}

	s := r.loadOrCreate(reg.SessionID)
	s.mu.Lock()
	if s.hosted && !sameOwner(s.owner, reg.Owner) {
		s.mu.Unlock()
		r.logger.Warn("host owner does not match session owner", zap.String("session", reg.SessionID))
		r.metrics.Registration(string(protocol.RoleHost), "owner_mismatch")
		return sessionOwnerRejection(reg.SessionID)
	}
	prev := s.host
	s.host = link
	s.hosted = true
	s.label = reg.Label
	s.machineID = reg.MachineID
	s.owner = reg.Owner
	s.status = protocol.StatusOnline
	var evicted []Link
	for id, v := range s.viewers {
		if !sameOwner(r.ownerOf(id), s.owner) {
			delete(s.viewers, id)
			evicted = append(evicted, v)
		}
	}
	viewers := s.viewerSnapshot()
	s.mu.Unlock()

	rec := r.record(link, reg.Owner)
	rec.mu.Lock()
	rec.hosting[reg.SessionID] = struct{}{}
	rec.mu.Unlock()

	switch {
	case prev == nil:
		r.metrics.SessionOnline()
	case prev.ID() != link.ID():
		r.logger.Warn("host already registered, replacing", zap.String("session", reg.SessionID))
	}
	r.metrics.Registration(string(protocol.RoleHost), "ok")

	for _, v := range evicted {
		r.metrics.ViewerLeft(false)
		v.Reject(sessionOwnerRejection(reg.SessionID).Message())
	}
	r.sendAll(viewers, protocol.NewSessionStatus(reg.SessionID, protocol.StatusOnline))
	r.broadcastSessionList()
	return nil
}

// RegisterViewer attaches link to reg.SessionID, creating an offline
// placeholder when no host has registered yet. The viewer's own quota is
// checked before admission. The new viewer receives the current status and
// the cached last frame.
func (r *Registry) RegisterViewer(ctx context.Context, reg ViewerRegistration, link Link) *Rejection {
	if r.limits != nil {
		if d := r.limits.CheckSessionLimit(ctx, reg.Token); !d.Allowed {
			r.metrics.Registration(string(protocol.RoleViewer), "limit")
			return planRejection(d, r.cfg.PlanUpgradeURL)
		}
	}

	s := r.loadOrCreate(reg.SessionID)
	s.mu.Lock()
	if s.hosted && !sameOwner(s.owner, reg.Owner) {
		s.mu.Unlock()
		r.metrics.Registration(string(protocol.RoleViewer), "owner_mismatch")
		return sessionOwnerRejection(reg.SessionID)
	}

	rec := r.record(link, reg.Owner)
	rec.mu.Lock()
	rec.viewer = true
	rec.viewing[reg.SessionID] = struct{}{}
	rec.mu.Unlock()

	_, already := s.viewers[link.ID()]
	s.viewers[link.ID()] = link
	status := s.status
	last := s.lastFrame
	// Sent under the session lock so no broadcast frame can overtake the
	// cached one.
	r.sendOrDrop(s, link, protocol.NewSessionStatus(s.id, status))
	if last != nil {
		r.sendOrDrop(s, link, protocol.Message{Type: last.kind, Session: s.id, Payload: last.payload})
	}
	s.mu.Unlock()

	if !already {
		r.metrics.ViewerJoined()
	}
	r.metrics.Registration(string(protocol.RoleViewer), "ok")
	return nil
}

// RegisterAgent binds reg.AgentID to link for API forwarding. A new agent id
// for an owner is admitted only within the owner's plan.
func (r *Registry) RegisterAgent(ctx context.Context, reg AgentRegistration, link Link) *Rejection {
	if reg.Owner != nil {
		unlock := r.lockOwner(reg.Owner.Email)
		defer unlock()
	}

	r.agentsMu.RLock()
	existing, known := r.agents[reg.AgentID]
	r.agentsMu.RUnlock()
	if known && !sameOwner(existing.owner, reg.Owner) {
		r.metrics.Registration(string(protocol.RoleAgentAPI), "owner_mismatch")
		return sessionOwnerRejection(AgentSessionPrefix + reg.AgentID)
	}
	if !known && reg.Owner != nil && r.limits != nil {
		current := r.countAgentsByOwner(reg.Owner.Email)
		if d := r.limits.AdmitAgent(ctx, reg.Owner, current, reg.Token); !d.Allowed {
			r.logger.Warn("agent limit exceeded", zap.String("owner", reg.Owner.Email), zap.Int("current", current))
			r.metrics.Registration(string(protocol.RoleAgentAPI), "limit")
			if d.Resource == "" {
				d.Resource = planlimit.ResourceAgents
			}
			return limitRejection(d, r.cfg.LimitUpgradeURL)
		}
	}

	r.agentsMu.Lock()
	r.agents[reg.AgentID] = agentEntry{link: link, owner: reg.Owner}
	r.agentsMu.Unlock()

	rec := r.record(link, reg.Owner)
	rec.mu.Lock()
	rec.agentID = reg.AgentID
	rec.mu.Unlock()

	r.metrics.Registration(string(protocol.RoleAgentAPI), "ok")
	r.logger.Info("agent API link registered", zap.String("agent_id", reg.AgentID), zap.String("link", link.ID()))
	return nil
}

// HandleScreen fans a frame out to the session's viewers and caches it.
// Frames from a link that is not the session's current host are dropped.
// A viewer whose send fails is removed and its link closed.
func (r *Registry) HandleScreen(from Link, sessionID string, kind protocol.Kind, payload string) {
	s, ok := r.lookup(sessionID)
	if !ok {
		r.logger.Debug("screen for unknown session", zap.String("session", sessionID))
		return
	}
	msg := protocol.Message{Type: kind, Session: sessionID, Payload: payload}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host == nil || s.host.ID() != from.ID() {
		r.logger.Debug("screen from stale host dropped", zap.String("session", sessionID), zap.String("link", from.ID()))
		return
	}
	s.lastFrame = &frame{kind: kind, payload: payload}
	sent := 0
	for _, v := range s.viewers {
		if r.sendOrDrop(s, v, msg) {
			sent++
		}
	}
	r.metrics.FrameBroadcast(string(kind), sent)
}

// sendOrDrop sends msg to viewer v of s, removing v on failure. Callers hold
// s.mu.
func (r *Registry) sendOrDrop(s *session, v Link, msg protocol.Message) bool {
	err := v.Send(msg)
	if err == nil {
		return true
	}
	r.logger.Warn("viewer send failed, removing",
		zap.String("session", s.id),
		zap.String("link", v.ID()),
		zap.Error(err))
	delete(s.viewers, v.ID())
	r.metrics.ViewerLeft(true)
	v.Close()
	return false
}

// hostFor returns the live host of sessionID if from is one of its viewers.
func (r *Registry) hostFor(from Link, sessionID string) (Link, bool) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, viewing := s.viewers[from.ID()]; !viewing {
		return nil, false
	}
	return s.host, s.host != nil
}

// HandleKeys routes keystrokes from a viewer to the session's host. Without
// a live host this is a silent no-op.
func (r *Registry) HandleKeys(from Link, sessionID, payload string) {
	host, ok := r.hostFor(from, sessionID)
	if !ok {
		r.logger.Debug("keys for unavailable session", zap.String("session", sessionID))
		return
	}
	r.sendToHost(host, sessionID, protocol.NewKeys(sessionID, payload))
}

// HandleResize routes a resize from a viewer to the session's host.
func (r *Registry) HandleResize(from Link, sessionID string, cols, rows int) {
	host, ok := r.hostFor(from, sessionID)
	if !ok {
		r.logger.Debug("resize for unavailable session", zap.String("session", sessionID))
		return
	}
	r.sendToHost(host, sessionID, protocol.NewResize(sessionID, cols, rows))
}

// ForwardKillSession asks the host of sessionID to terminate it. The caller's
// owner must match the session's owner.
func (r *Registry) ForwardKillSession(sessionID string, owner *ownership.Identity) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	host := s.host
	match := sameOwner(s.owner, owner)
	s.mu.Unlock()
	if host == nil {
		return
	}
	if !match {
		r.logger.Warn("killSession owner mismatch", zap.String("session", sessionID))
		return
	}
	r.sendToHost(host, sessionID, protocol.NewKillSession(sessionID))
}

// ForwardCreateSession asks one live host on machineID, owned by owner, to
// create a new local session named name.
func (r *Registry) ForwardCreateSession(machineID, name string, owner *ownership.Identity) bool {
	var target Link
	var targetSession string
	r.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		s.mu.Lock()
		if s.host != nil && s.machineID == machineID && sameOwner(s.owner, owner) {
			target, targetSession = s.host, s.id
		}
		s.mu.Unlock()
		return target == nil
	})
	if target == nil {
		r.logger.Info("no live host for createSession", zap.String("machine_id", machineID))
		return false
	}
	r.sendToHost(target, targetSession, protocol.NewCreateSession(machineID, name))
	return true
}

func (r *Registry) sendToHost(host Link, sessionID string, msg protocol.Message) {
	if err := host.Send(msg); err != nil {
		r.logger.Warn("send to host failed", zap.String("session", sessionID), zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// Sessions returns the sessions visible to owner, sorted by id. An
// authenticated owner sees its own sessions; an anonymous caller sees
// sessions without an owner.
func (r *Registry) Sessions(owner *ownership.Identity) []protocol.SessionSummary {
	var out []protocol.SessionSummary
	r.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		s.mu.Lock()
		if s.hosted && sameOwner(s.owner, owner) {
			out = append(out, s.summary())
		}
		s.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendSessionList sends the sessions visible to owner to link.
func (r *Registry) SendSessionList(link Link, owner *ownership.Identity) {
	if err := link.Send(protocol.NewSessionList(r.Sessions(owner))); err != nil {
		r.logger.Warn("send session list failed", zap.String("link", link.ID()), zap.Error(err))
	}
}

func (r *Registry) broadcastSessionList() {
	r.links.Range(func(_, v any) bool {
		rec := v.(*linkRecord)
		rec.mu.Lock()
		viewer := rec.viewer
		rec.mu.Unlock()
		if viewer {
			r.SendSessionList(rec.link, rec.owner)
		}
		return true
	})
}

func (r *Registry) sendAll(links []Link, msg protocol.Message) {
	for _, l := range links {
		if err := l.Send(msg); err != nil {
			r.logger.Debug("notify viewer failed", zap.String("link", l.ID()), zap.Error(err))
		}
	}
}

// HandleDisconnect removes every trace of link. For each session it hosted,
// the host slot is cleared, the status flips to offline and viewers are
// told. Calling it again for the same link is a no-op.
func (r *Registry) HandleDisconnect(link Link) {
	v, ok := r.links.LoadAndDelete(link.ID())
	if !ok {
		return
	}
	rec := v.(*linkRecord)
	rec.mu.Lock()
	hosting := keys(rec.hosting)
	viewing := keys(rec.viewing)
	agentID := rec.agentID
	rec.mu.Unlock()

	for _, id := range viewing {
		s, ok := r.lookup(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		_, present := s.viewers[link.ID()]
		delete(s.viewers, link.ID())
		s.mu.Unlock()
		if present {
			r.metrics.ViewerLeft(false)
		}
	}

	wentOffline := false
	for _, id := range hosting {
		s, ok := r.lookup(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		if s.host == nil || s.host.ID() != link.ID() {
			s.mu.Unlock()
			continue
		}
		s.host = nil
		s.status = protocol.StatusOffline
		viewers := s.viewerSnapshot()
		s.mu.Unlock()

		wentOffline = true
		r.metrics.SessionOffline()
		r.logger.Info("host disconnected", zap.String("session", id))
		r.sendAll(viewers, protocol.NewSessionStatus(id, protocol.StatusOffline))
	}

	if agentID != "" {
		r.agentsMu.Lock()
		if e, ok := r.agents[agentID]; ok && e.link.ID() == link.ID() {
			delete(r.agents, agentID)
			r.logger.Info("agent API link disconnected", zap.String("agent_id", agentID))
		}
		r.agentsMu.Unlock()
	}

	if wentOffline {
		r.broadcastSessionList()
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// AgentLink returns the live agent API link for agentID.
func (r *Registry) AgentLink(agentID string) (Link, bool) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	e, ok := r.agents[agentID]
	return e.link, ok
}

// AgentConnected reports whether agentID has a live agent API link.
func (r *Registry) AgentConnected(agentID string) bool {
	_, ok := r.AgentLink(agentID)
	return ok
}

// SendToAgent delivers msg on the agent API link of agentID.
func (r *Registry) SendToAgent(agentID string, msg protocol.Message) error {
	link, ok := r.AgentLink(agentID)
	if !ok {
		return ErrNoAgent
	}
	return link.Send(msg)
}

// CountSessionsByOwner counts online sessions owned by email.
func (r *Registry) CountSessionsByOwner(email string) int {
	n := 0
	r.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		s.mu.Lock()
		if s.host != nil && s.owner != nil && s.owner.Email == email {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}

func (r *Registry) countAgentsByOwner(email string) int {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	n := 0
	for _, e := range r.agents {
		if e.owner != nil && e.owner.Email == email {
			n++
		}
	}
	return n
}

// SessionState is a point-in-time view of one session.
type SessionState struct {
	protocol.SessionSummary
	HostLinkID string
	Viewers    int
	Owner      string
}

// Session returns a snapshot of sessionID.
func (r *Registry) Session(sessionID string) (SessionState, bool) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return SessionState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionState{SessionSummary: s.summary(), Viewers: len(s.viewers)}
	if s.host != nil {
		st.HostLinkID = s.host.ID()
	}
	if s.owner != nil {
		st.Owner = s.owner.Email
	}
	return st, true
}

// IsAgentSession reports whether a host session id names an agent API link.
func IsAgentSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, AgentSessionPrefix)
}
