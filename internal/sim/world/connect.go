package world

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"worldsync.io/internal/sim/delta"
	"worldsync.io/internal/sim/entity"
	"worldsync.io/internal/sim/interest"
	"worldsync.io/internal/sim/reconcile"
)

// addClient admits one connect request. A rejected request leaves every
// zone and client map untouched.
func (w *World) addClient(req ConnectRequest, now time.Time) ConnectResponse {
	if len(w.clients) >= w.cfg.MaxClients {
		w.log.WithFields(logrus.Fields{"name": req.Info.Name, "remote": req.Info.Remote, "max": w.cfg.MaxClients}).
			Info("connect rejected: at capacity")
		return ConnectResponse{Err: ErrAtCapacity}
	}
	id := req.ClientID
	if id != 0 {
		if _, ok := w.clients[id]; ok {
			return ConnectResponse{Err: fmt.Errorf("client %d: %w", id, ErrClientExists)}
		}
	} else {
		for {
			w.nextClientID++
			if _, ok := w.clients[w.nextClientID]; !ok {
				id = w.nextClientID
				break
			}
		}
	}

	var avatar uint64
	if req.Info.SpawnAvatar {
		eid, err := w.store.Spawn(entity.At(req.Info.Position), id)
		if err != nil {
			return ConnectResponse{Err: fmt.Errorf("spawn avatar: %w", err)}
		}
		avatar = eid
	} else if !entity.At(req.Info.Position).Finite() {
		return ConnectResponse{Err: fmt.Errorf("client position: %w", entity.ErrInvalidState)}
	}

	out := req.Out
	if out == nil {
		out = make(chan []byte, w.cfg.OutboundQueue)
	}
	sess := &Session{
		ID:          id,
		EntityID:    avatar,
		Info:        req.Info,
		Out:         out,
		inputs:      reconcile.NewQueue(w.cfg.InputQueue),
		connectedAt: now,
		counters:    &w.counters,
	}
	w.clients[id] = &client{
		sess:       sess,
		view:       interest.NewView(id, req.Info.Position),
		cache:      delta.NewCache(),
		tombstones: map[uint64]struct{}{},
	}
	w.log.WithFields(logrus.Fields{"client": id, "entity": avatar, "name": req.Info.Name}).Debug("client connected")
	return ConnectResponse{Accepted: true, Session: sess}
}

// removeClient releases id. It reports false when id was not connected,
// which makes repeated disconnects harmless.
func (w *World) removeClient(id uint64) bool {
	c := w.clients[id]
	if c == nil {
		return false
	}
	w.eval.Release(c.view)
	if c.sess.EntityID != 0 {
		w.store.Remove(c.sess.EntityID)
	}
	c.sess.closed.Store(true)
	delete(w.clients, id)
	w.log.WithField("client", id).Debug("client disconnected")
	return true
}

// Connect submits a connect request and waits for the next tick to admit
// or reject it.
func (w *World) Connect(ctx context.Context, clientID uint64, info ConnectionInfo, out chan []byte) (*Session, error) {
	resp := make(chan ConnectResponse, 1)
	req := ConnectRequest{ClientID: clientID, Info: info, Out: out, Resp: resp}
	select {
	case <-w.done:
		return nil, ErrStopped
	default:
	}
	select {
	case w.join <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrStopped
	}
	select {
	case r := <-resp:
		if !r.Accepted {
			return nil, r.Err
		}
		return r.Session, nil
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		// The request may still be admitted; make sure it does not linger.
		go w.abandonConnect(resp)
		return nil, ctx.Err()
	}
}

// abandonConnect waits out a connect request whose caller gave up and
// disconnects the session if it was admitted anyway.
func (w *World) abandonConnect(resp <-chan ConnectResponse) {
	select {
	case r := <-resp:
		if r.Accepted {
			w.Disconnect(r.Session.ID)
		}
	case <-w.done:
	}
}

// Disconnect queues id for removal at the next tick boundary. Calling it
// more than once, or for an unknown id, is harmless.
func (w *World) Disconnect(id uint64) {
	select {
	case w.leave <- id:
	case <-w.done:
	}
}

// EnqueueInput routes an input to a connected client's queue.
func (w *World) EnqueueInput(clientID uint64, in reconcile.Input) error {
	s, ok := w.Session(clientID)
	if !ok {
		return fmt.Errorf("client %d: %w", clientID, ErrUnknownClient)
	}
	return s.Enqueue(in)
}
