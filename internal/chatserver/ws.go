package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/prismer-ai/chatsync"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var errAuth = errors.New("auth required")

func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("ws: accept error")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	headerToken, _ := bearer(c.GetHeader("Authorization"))
	userID, err := s.handshake(ctx, conn, headerToken)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws: handshake failed")
		conn.Close(websocket.StatusPolicyViolation, errAuth.Error())
		return
	}

	cl := &client{userID: userID, send: make(chan []byte, sendBufSize)}
	first := s.hub.add(cl)
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()
	log := s.log.With().Str("user_id", userID).Logger()
	log.Info().Msg("ws: connected")

	if first {
		s.hub.Broadcast(chatsync.PresenceFrame{UserID: userID, Online: true}, userID)
	}
	for _, id := range s.hub.Online() {
		if id == userID {
			continue
		}
		if data, err := chatsync.EncodeFrame(chatsync.PresenceFrame{UserID: id, Online: true}); err == nil {
			select {
			case cl.send <- data:
			default:
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writePump(ctx, conn, cl)
	}()

	err = s.readPump(ctx, conn, cl)
	if websocket.CloseStatus(err) != -1 {
		log.Info().Msg("ws: disconnected")
	} else if ctx.Err() == nil {
		log.Warn().Err(err).Msg("ws: read error")
	}
	cancel()
	wg.Wait()

	if s.hub.remove(cl) {
		s.hub.Broadcast(chatsync.PresenceFrame{UserID: userID, Online: false}, userID)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handshake expects an auth frame first and answers auth_success. The
// token, from the frame or the Authorization header, must equal the user id.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, headerToken string) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	var env chatsync.Envelope
	if err := wsjson.Read(hctx, conn, &env); err != nil {
		return "", fmt.Errorf("read auth: %w", err)
	}
	if env.Type != chatsync.KindAuth {
		return "", fmt.Errorf("%w: first frame was %q", errAuth, env.Type)
	}
	var auth chatsync.AuthPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &auth); err != nil {
			return "", fmt.Errorf("%w: %v", errAuth, err)
		}
	}
	token := auth.Token
	if token == "" {
		token = headerToken
	}
	if auth.UserID == "" || token != auth.UserID {
		return "", errAuth
	}

	ok := chatsync.Envelope{Type: chatsync.KindAuthSuccess}
	ok.Payload, _ = json.Marshal(chatsync.AuthPayload{UserID: auth.UserID})
	if err := wsjson.Write(hctx, conn, ok); err != nil {
		return "", fmt.Errorf("write auth_success: %w", err)
	}
	return auth.UserID, nil
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, cl *client) error {
	for {
		var env chatsync.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		s.handleFrame(cl, env)
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, cl *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-cl.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Str("user_id", cl.userID).Msg("ws: write error")
				return
			}
		}
	}
}

func (s *Server) handleFrame(cl *client, env chatsync.Envelope) {
	switch env.Type {
	case chatsync.KindPing:
		s.reply(cl, chatsync.KindPong, nil)
	case chatsync.KindTyping:
		f, err := chatsync.DecodeEnvelope(env)
		if err != nil {
			s.reply(cl, chatsync.KindError, chatsync.ErrorPayload{Message: err.Error()})
			return
		}
		t := f.(chatsync.TypingFrame)
		t.UserID = cl.userID
		conv, err := s.store.Conversation(t.ConversationID, cl.userID)
		if err != nil {
			s.reply(cl, chatsync.KindError, chatsync.ErrorPayload{Message: err.Error()})
			return
		}
		s.hub.SendTo(conv.Other(cl.userID), t)
	default:
		s.reply(cl, chatsync.KindError, chatsync.ErrorPayload{Message: fmt.Sprintf("unsupported frame type %q", env.Type)})
	}
}

func (s *Server) reply(cl *client, kind chatsync.FrameKind, payload any) {
	data, err := chatsync.EncodeControl(kind, payload)
	if err != nil {
		return
	}
	select {
	case cl.send <- data:
	default:
	}
}
