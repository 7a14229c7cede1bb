// -------------------------------------------------------------------------------
// Progress - Lifecycle Reporting
//
// Project: Yggdrasil
//
// Every lifecycle change of a request goes through the Reporter: the transition
// is validated against the request's state machine, sent to the remote notifier
// and mirrored into the durable store. Preservation records are kept while a
// request is in flight and deleted once it reaches a terminal state.
// -------------------------------------------------------------------------------

package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/lifecycle"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/store"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// Tracked is a request whose lifecycle is reported.
type Tracked interface {
	ID() string
	Collection() string
	Current() lifecycle.State
	Machine() *lifecycle.Machine
	SetState(state lifecycle.State, detail string)
}

var (
	_ Tracked = (*model.RequestState)(nil)
	_ Tracked = (*model.ImportState)(nil)
)

// Update is one lifecycle notification.
type Update struct {
	RequestID   string          `json:"id"`
	Collection  string          `json:"collection"`
	Machine     string          `json:"kind"`
	State       lifecycle.State `json:"state"`
	Description string          `json:"description"`
	Detail      string          `json:"detail,omitempty"`
	Failure     bool            `json:"failure"`
	Timestamp   time.Time       `json:"timestamp"`

	// Where a packaged request ended up. Set for preservation requests only.
	ContainerID        string `json:"container_id,omitempty"`
	ContentContainerID string `json:"content_container_id,omitempty"`
	ContentRecordID    string `json:"content_record_id,omitempty"`
	MetadataRecordID   string `json:"metadata_record_id,omitempty"`
}

// Notifier delivers lifecycle updates to whoever follows the request.
type Notifier interface {
	Notify(ctx context.Context, u Update) error
}

// LogNotifier writes updates to the log. Used when no remote notifier is
// configured.
type LogNotifier struct{}

// Notify logs u.
func (LogNotifier) Notify(_ context.Context, u Update) error {
	slog.Info("Lifecycle update",
		"id", u.RequestID, "collection", u.Collection, "state", u.State, "detail", u.Detail)
	return nil
}

// Reporter validates, notifies and persists lifecycle transitions.
type Reporter struct {
	notifier Notifier
	store    store.Store
}

// NewReporter creates a Reporter. A nil store disables persistence.
func NewReporter(n Notifier, s store.Store) *Reporter {
	if n == nil {
		n = LogNotifier{}
	}
	return &Reporter{notifier: n, store: s}
}

// Report moves t to state. A rejected transition is returned and nothing is
// sent. Notifier and store errors are logged only; the request carries on.
func (r *Reporter) Report(ctx context.Context, t Tracked, state lifecycle.State, detail string) error {
	m := t.Machine()
	if _, err := m.Transition(t.Current(), state); err != nil {
		slog.Error("Lifecycle: rejected transition",
			"id", t.ID(), "collection", t.Collection(), "from", t.Current(), "to", state, "error", err)
		return err
	}
	t.SetState(state, detail)
	telemetry.LifecycleTransitionsTotal.WithLabelValues(m.Name(), string(state)).Inc()

	// --- Notify ---
	u := Update{
		RequestID:   t.ID(),
		Collection:  t.Collection(),
		Machine:     m.Name(),
		State:       state,
		Description: m.Description(state),
		Detail:      detail,
		Failure:     m.IsFailure(state),
		Timestamp:   time.Now().UTC(),
	}
	st, isPreservation := t.(*model.RequestState)
	if isPreservation {
		u.ContainerID = st.ContainerID
		u.ContentContainerID = st.ContentContainerID
		u.ContentRecordID = st.ContentRecordID
		u.MetadataRecordID = st.MetadataRecordID
	}
	if err := r.notifier.Notify(ctx, u); err != nil {
		telemetry.NotificationsTotal.WithLabelValues("error").Inc()
		slog.Warn("Lifecycle: notification failed",
			"id", u.RequestID, "state", state, "error", err)
	} else {
		telemetry.NotificationsTotal.WithLabelValues("success").Inc()
	}

	// --- Persist ---
	if !isPreservation || r.store == nil {
		return nil
	}
	if m.IsFailure(state) || m.IsTerminal(state) {
		r.forget(ctx, st)
	} else {
		r.persist(ctx, st)
	}
	return nil
}

// Fail reports a flow failure.
func (r *Reporter) Fail(ctx context.Context, t Tracked, f *lifecycle.Failure) error {
	return r.Report(ctx, t, f.State, f.Detail)
}

// Persist writes st to the durable store without a transition.
func (r *Reporter) Persist(ctx context.Context, st *model.RequestState) {
	if r.store != nil {
		r.persist(ctx, st)
	}
}

func (r *Reporter) persist(ctx context.Context, st *model.RequestState) {
	if err := r.store.Put(ctx, st); err != nil {
		logStoreError("put", st.ID(), err)
	}
}

func (r *Reporter) forget(ctx context.Context, st *model.RequestState) {
	if err := r.store.Delete(ctx, st.ID()); err != nil && !errors.Is(err, store.ErrNotFound) {
		logStoreError("delete", st.ID(), err)
	}
}

func logStoreError(op, id string, err error) {
	if errors.Is(err, store.ErrDBUnavailable) {
		slog.Warn("Lifecycle: durable store unavailable, state not recorded", "op", op, "id", id)
		return
	}
	slog.Error("Lifecycle: durable store write failed", "op", op, "id", id, "error", err)
}
