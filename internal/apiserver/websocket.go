package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/keyvault/backend/internal/indexer"
	"github.com/coldbell/keyvault/backend/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	channelSystemStatus   = "system.status"
	channelPositionPrefix = "position."
	channelKeysPrefix     = "keys."

	websocketReadDeadline = 90 * time.Second
	defaultStreamInterval = 2 * time.Second
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	subscriberID := uuid.NewString()
	logger := s.logger.With("subscriber", subscriberID)
	metrics.APIWebsocketClients.Inc()
	defer metrics.APIWebsocketClients.Dec()
	logger.Debug("websocket connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	var writeMu sync.Mutex
	write := func(envelope websocketEnvelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeWebsocketJSON(conn, envelope)
	}

	if err := write(websocketEnvelope{Type: "welcome", Data: map[string]string{"subscriber": subscriberID}, TS: time.Now().UnixMilli()}); err != nil {
		return
	}

	go func() {
		defer cancel()
		s.websocketReadLoop(ctx, conn, subs, write)
	}()

	interval := s.cfg.StreamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("websocket disconnected")
			return
		case <-ticker.C:
			for _, channel := range subs.List() {
				payload, err := s.channelPayload(ctx, channel)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logger.Warn("websocket payload failed", "channel", channel, "err", err)
					continue
				}
				if err := write(websocketEnvelope{Type: "update", Channel: channel, Data: payload, TS: time.Now().UnixMilli()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(
	ctx context.Context,
	conn *websocket.Conn,
	subs *subscriptionSet,
	write func(websocketEnvelope) error,
) {
	_ = conn.SetReadDeadline(time.Now().Add(websocketReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(websocketReadDeadline))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		var req websocketSubscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(websocketReadDeadline))

		channel := strings.TrimSpace(req.Channel)
		switch strings.ToLower(strings.TrimSpace(req.Type)) {
		case "subscribe":
			if err := validateChannel(channel); err != nil {
				_ = write(websocketEnvelope{Type: "error", Channel: channel, Error: err.Error(), TS: time.Now().UnixMilli()})
				continue
			}
			if err := write(websocketEnvelope{Type: "subscribed", Channel: channel, TS: time.Now().UnixMilli()}); err != nil {
				return
			}
			subs.Add(channel)
		case "unsubscribe":
			subs.Remove(channel)
			_ = write(websocketEnvelope{Type: "unsubscribed", Channel: channel, TS: time.Now().UnixMilli()})
		case "ping":
			_ = write(websocketEnvelope{Type: "pong", TS: time.Now().UnixMilli()})
		default:
			_ = write(websocketEnvelope{Type: "error", Error: fmt.Sprintf("unsupported message type %q", req.Type), TS: time.Now().UnixMilli()})
		}
	}
}

func validateChannel(channel string) error {
	switch {
	case channel == channelSystemStatus:
		return nil
	case strings.HasPrefix(channel, channelPositionPrefix):
		return validateChannelPubkey(strings.TrimPrefix(channel, channelPositionPrefix))
	case strings.HasPrefix(channel, channelKeysPrefix):
		return validateChannelPubkey(strings.TrimPrefix(channel, channelKeysPrefix))
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}

func validateChannelPubkey(raw string) error {
	if _, err := solana.PublicKeyFromBase58(raw); err != nil {
		return fmt.Errorf("invalid channel pubkey %q: %w", raw, err)
	}
	return nil
}

func (s *Service) channelPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case channel == channelSystemStatus:
		return s.store.GetSystemStatus(ctx)
	case strings.HasPrefix(channel, channelPositionPrefix):
		record, err := s.store.GetPosition(ctx, strings.TrimPrefix(channel, channelPositionPrefix))
		if err != nil {
			return nil, err
		}
		return newPositionView(*record), nil
	case strings.HasPrefix(channel, channelKeysPrefix):
		items, _, _, err := s.store.ListKeys(ctx, indexer.KeyFilter{
			Position: strings.TrimPrefix(channel, channelKeysPrefix),
		})
		return items, err
	default:
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

type subscriptionSet struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{channels: make(map[string]struct{})}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for channel := range s.channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
