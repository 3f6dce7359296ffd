package reconcile

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/sirupsen/logrus"

	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/history"
)

// Applier computes the effect of one input on an entity state.
type Applier interface {
	Apply(st entity.State, in Input) entity.State
}

// MoveApplier treats Move as a desired direction in the XZ plane (length
// clamped to 1) held for one step, and Facing as a yaw angle.
type MoveApplier struct {
	Speed float64
	Step  time.Duration
}

var up = mgl64.Vec3{0, 1, 0}

func (a MoveApplier) Apply(st entity.State, in Input) entity.State {
	dir := mgl64.Vec3{in.Move[0], 0, in.Move[2]}
	if n := dir.Len(); n > 1 {
		dir = dir.Mul(1 / n)
	} else if n == 0 || math.IsNaN(n) {
		dir = mgl64.Vec3{}
	}
	vel := dir.Mul(a.Speed)
	st.Velocity = vel
	st.Position = st.Position.Add(vel.Mul(a.Step.Seconds()))
	if !math.IsNaN(in.Facing) && !math.IsInf(in.Facing, 0) {
		st.Rotation = mgl64.QuatRotate(in.Facing, up)
	}
	return st
}

// Result describes what happened to one input.
type Result struct {
	ClientID uint64
	EntityID uint64
	Input    Input

	// Tick of the snapshot the input was rewound to.
	Tick uint64
	// Stale is set when the input predates the retention window and was
	// compensated against the oldest retained snapshot.
	Stale bool
	// Applied is false when the controlled entity no longer exists.
	Applied bool

	Before entity.State
	After  entity.State
}

// Reconciler rewinds inputs to the snapshot the client saw when it issued
// them, applies them there, and folds the outcome into current state.
type Reconciler struct {
	hist  *history.History
	apply Applier
	log   logrus.FieldLogger
}

func New(h *history.History, a Applier, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Reconciler{hist: h, apply: a, log: log}
}

// Reconcile applies inputs, which must already be in timestamp order, to
// entityID on behalf of clientID. History must hold a capture of the
// current tick.
func (r *Reconciler) Reconcile(clientID, entityID uint64, inputs []Input, store *entity.Store) []Result {
	if len(inputs) == 0 {
		return nil
	}
	out := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		res := Result{ClientID: clientID, EntityID: entityID, Input: in}
		cur, ok := store.State(entityID)
		if !ok {
			r.log.WithFields(logrus.Fields{"client": clientID, "entity": entityID, "seq": in.Seq}).
				Debug("input for missing entity discarded")
			out = append(out, res)
			continue
		}

		base := cur
		snap, stale, found := r.hist.Resolve(in.Timestamp)
		if found {
			res.Tick = snap.Tick
			res.Stale = stale
			if st, ok := snap.Get(entityID); ok {
				base = st
			}
		}

		after := r.apply.Apply(base, in)
		merged := Merge(cur, base, after)
		if err := store.Set(entityID, merged); err != nil {
			r.log.WithError(err).WithField("client", clientID).Debug("input produced invalid state")
			out = append(out, res)
			continue
		}
		res.Applied = true
		res.Before = cur
		res.After = merged
		if stale {
			r.log.WithFields(logrus.Fields{"client": clientID, "seq": in.Seq, "tick": res.Tick}).
				Debug("stale input compensated against oldest snapshot")
		}
		out = append(out, res)
	}
	return out
}

// Merge folds the result of applying an input to a historical state back
// into the current one: the positional displacement is carried over, while
// rotation and velocity are taken as commanded.
func Merge(cur, historical, after entity.State) entity.State {
	cur.Position = cur.Position.Add(after.Position.Sub(historical.Position))
	cur.Rotation = after.Rotation
	cur.Velocity = after.Velocity
	return cur
}
