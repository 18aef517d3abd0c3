package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/auth"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/ratelimit"
	"github.com/tahcohcat/dengue-tracker/internal/rooms"
	"github.com/tahcohcat/dengue-tracker/internal/services"
)

// Inbound event types.
const (
	InReportCreate     = "report.create"
	InReportTransition = "report.transition"
	InSubscribeArea    = "room.subscribe.area"
	InUnsubscribeArea  = "room.unsubscribe.area"
	InSubscribeRanking = "room.subscribe.ranking"
	InHeartbeat        = "heartbeat"
)

// maxAreas bounds the area rooms one connection may hold.
const maxAreas = 16

// opTimeout bounds a service call made on behalf of a connection. It does
// not derive from the connection, so a disconnect never aborts a write.
const opTimeout = 10 * time.Second

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type readyPayload struct {
	UserID string   `json:"user_id"`
	Role   string   `json:"role"`
	Rooms  []string `json:"rooms"`
}

type createdAck struct {
	Report        models.ReportSummary `json:"report"`
	PointsAwarded int64                `json:"points_awarded"`
	TotalPoints   int64                `json:"total_points"`
	Level         string               `json:"level"`
}

type transitionAck struct {
	ReportID string        `json:"report_id"`
	From     models.Status `json:"from"`
	To       models.Status `json:"to"`
}

type subscribedPayload struct {
	Room   string `json:"room"`
	Joined bool   `json:"joined"`
}

// Client is one authenticated websocket connection.
type Client struct {
	handler  *Handler
	conn     *websocket.Conn
	identity auth.Identity
	bucket   *ratelimit.Bucket
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	// areas and checkedAt are owned by the read goroutine.
	areas     map[string]bool
	checkedAt time.Time
	// drops is owned by the hub goroutine.
	drops int

	log *zap.Logger
}

func newClient(h *Handler, conn *websocket.Conn, id auth.Identity) *Client {
	return &Client{
		handler:   h,
		conn:      conn,
		identity:  id,
		bucket:    ratelimit.NewBucket(h.opts.ConnCapacity, h.opts.ConnRefill),
		send:      make(chan []byte, h.opts.SendBuffer),
		done:      make(chan struct{}),
		areas:     make(map[string]bool),
		checkedAt: time.Now(),
		log:       h.log.With(zap.String("user_id", id.UserID)),
	}
}

// enqueue never blocks; false means the send buffer is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// reply sends to this connection only.
func (c *Client) reply(t models.EventType, payload any) {
	msg, err := encode(t, payload)
	if err != nil {
		c.log.Error("failed to encode reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if !c.enqueue(msg) {
		c.log.Debug("reply dropped, send buffer full", zap.String("type", string(t)))
	}
}

func (c *Client) replyError(err error) {
	code := apperr.Code(err)
	t := models.ErrorEvent(code)
	if apperr.KindOf(err) == apperr.RateLimited {
		t = models.EventRateLimited
	}
	c.reply(t, models.ErrorPayload{Code: code, Message: apperr.Public(err)})
}

func (c *Client) actor() services.Actor {
	return services.Actor{ID: c.identity.UserID, Name: c.identity.Name, Role: c.identity.Role}
}

func (c *Client) readPump() {
	defer func() {
		c.handler.hub.Detach(c)
		c.handler.identities.Release(c.identity.UserID)
		// writePump owns the close handshake and the final conn.Close.
		c.close()
	}()

	opts := c.handler.opts
	c.conn.SetReadLimit(opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		if err := c.recheck(true); err != nil {
			c.replyError(err)
			return err
		}
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if err := c.recheck(false); err != nil {
			c.replyError(err)
			return
		}

		// Every frame costs a token, decodable or not.
		if !c.admit() {
			c.replyError(apperr.New(apperr.RateLimited, "too many events, slow down"))
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(apperr.New(apperr.InvalidInput, "malformed message"))
			continue
		}
		c.handle(msg)
	}
}

// recheck fails once the credential has expired, and once it has been
// revoked; revocation is looked up at most every RecheckEvery unless force.
func (c *Client) recheck(force bool) error {
	if !c.identity.ExpiresAt.IsZero() && time.Now().After(c.identity.ExpiresAt) {
		return apperr.New(apperr.TokenExpired, "token has expired")
	}
	if !force && time.Since(c.checkedAt) < c.handler.opts.RecheckEvery {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.handler.authn.Recheck(ctx, c.identity); err != nil {
		if k := apperr.KindOf(err); k == apperr.TokenRevoked || k == apperr.TokenExpired {
			return err
		}
		// A revocation store outage keeps the connection; the next check retries.
		c.log.Warn("credential recheck failed", zap.Error(err))
		return nil
	}
	c.checkedAt = time.Now()
	return nil
}

// admit takes a token from the connection bucket, then from the identity's
// shared bucket.
func (c *Client) admit() bool {
	if !c.bucket.Allow() {
		return false
	}
	return c.handler.identities.Allow(c.identity.UserID)
}

func (c *Client) handle(msg inbound) {
	switch msg.Type {
	case InHeartbeat:
		c.reply(models.EventHeartbeatAck, map[string]any{"server_time": time.Now().UTC()})

	case InReportCreate:
		var req services.CreateReportRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			c.replyError(err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res, err := c.handler.reports.Create(ctx, c.actor(), req)
		if err != nil {
			c.replyError(err)
			return
		}
		total, level := res.Award.After, res.Award.Level
		if n := len(res.Unlocked); n > 0 {
			total, level = res.Unlocked[n-1].Award.After, res.Unlocked[n-1].Award.Level
		}
		c.reply(models.EventReportCreatedAck, createdAck{
			Report:        res.Report.Summary(),
			PointsAwarded: res.Report.PointsAwarded,
			TotalPoints:   total,
			Level:         level.Name,
		})

	case InReportTransition:
		var req services.TransitionRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			c.replyError(err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res, err := c.handler.reports.Transition(ctx, c.actor(), req)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(models.EventReportTransitionAck, transitionAck{ReportID: res.Report.ID, From: res.From, To: res.Report.Status})

	case InSubscribeArea, InUnsubscribeArea:
		var loc models.Location
		if err := decodePayload(msg.Payload, &loc); err != nil {
			c.replyError(err)
			return
		}
		if !loc.Valid() {
			c.replyError(apperr.New(apperr.InvalidInput, "location out of range"))
			return
		}
		room := c.handler.hub.router.Area(loc)
		if msg.Type == InUnsubscribeArea {
			c.handler.hub.Leave(c, room)
			delete(c.areas, room)
			c.reply(models.EventSubscribed, subscribedPayload{Room: room, Joined: false})
			return
		}
		if !c.areas[room] && len(c.areas) >= maxAreas {
			c.replyError(apperr.Newf(apperr.InvalidInput, "at most %d area subscriptions per connection", maxAreas))
			return
		}
		c.areas[room] = true
		c.handler.hub.Join(c, room)
		c.reply(models.EventSubscribed, subscribedPayload{Room: room, Joined: true})

	case InSubscribeRanking:
		c.handler.hub.Join(c, rooms.Ranking)
		c.reply(models.EventSubscribed, subscribedPayload{Room: rooms.Ranking, Joined: true})

	default:
		c.replyError(apperr.Newf(apperr.InvalidInput, "unknown event type %q", msg.Type))
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.New(apperr.InvalidInput, "missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Wrap(apperr.InvalidInput, "invalid payload", err)
	}
	return nil
}

func (c *Client) writePump() {
	opts := c.handler.opts
	ticker := time.NewTicker(opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is already buffered, so a reply queued just before
// close is not lost.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.handler.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
