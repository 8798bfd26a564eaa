package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PPRelay/module/message"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type healthResp struct {
	Status         string            `json:"status"`
	ConnectedUsers int               `json:"connectedUsers"`
	Timestamp      string            `json:"timestamp"`
	Uptime         float64           `json:"uptime"`
	Environment    string            `json:"environment"`
	Store          map[string]string `json:"store"`
}

// health 是存活探针，依赖异常只体现在 body 里
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.probe(c.Request.Context()))
}

// ready 在任一依赖异常时返回 503
func (s *Server) ready(c *gin.Context) {
	resp := s.probe(c.Request.Context())
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) probe(ctx context.Context) healthResp {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp := healthResp{
		Status:         "ok",
		ConnectedUsers: s.deps.Router.Presence().Count(),
		Timestamp:      message.FormatTime(time.Now()),
		Uptime:         time.Since(s.started).Seconds(),
		Environment:    s.opts.Environment,
		Store:          map[string]string{},
	}
	checks := append([]HealthCheck{{Name: "store", Check: s.deps.Router.Store().Ping}}, s.deps.Checks...)
	for _, hc := range checks {
		if err := hc.Check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store[hc.Name] = "down"
			s.log.Warn("health check failed", zap.String("check", hc.Name), zap.Error(err))
			continue
		}
		resp.Store[hc.Name] = "ok"
	}
	return resp
}

type connectedUser struct {
	UserID    int64 `json:"userId"`
	Connected bool  `json:"connected"`
}

func (s *Server) connectedUsers(c *gin.Context) {
	users := s.deps.Router.Presence().Users()
	out := make([]connectedUser, 0, len(users))
	for _, uid := range users {
		out = append(out, connectedUser{UserID: uid, Connected: true})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) unread(c *gin.Context) {
	uid, ok := parseID(c.Param("userId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid userId"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Router.Ledger().Snapshot(uid))
}

type historyItem struct {
	ID            int64   `json:"id"`
	From          int64   `json:"from"`
	To            int64   `json:"to"`
	Message       string  `json:"message"`
	AttachmentURL *string `json:"attachmentUrl"`
	Timestamp     string  `json:"timestamp"`
	ReadAt        *string `json:"readAt"`
}

func (s *Server) history(c *gin.Context) {
	a, okA := parseID(c.Query("userA"))
	b, okB := parseID(c.Query("userB"))
	if !okA || !okB {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing user ids"})
		return
	}
	rows, err := s.deps.Router.Store().RangeByParticipants(c.Request.Context(), a, b)
	if err != nil {
		s.log.Error("fetch message history", zap.Int64("userA", a), zap.Int64("userB", b), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch message history"})
		return
	}
	out := make([]historyItem, 0, len(rows))
	for i := range rows {
		m := &rows[i]
		it := historyItem{
			ID:        m.ID,
			From:      m.FromUserID,
			To:        m.ToUserID,
			Message:   m.Body,
			Timestamp: message.FormatTime(m.CreatedAt),
		}
		if m.AttachmentURL != "" {
			u := m.AttachmentURL
			it.AttachmentURL = &u
		}
		if m.ReadAt != nil {
			r := message.FormatTime(*m.ReadAt)
			it.ReadAt = &r
		}
		out = append(out, it)
	}
	c.JSON(http.StatusOK, out)
}

type conversationItem struct {
	UserID          int64  `json:"userId"`
	Username        string `json:"username"`
	LastMessage     string `json:"lastMessage"`
	LastMessageTime string `json:"lastMessageTime"`
	UnreadCount     int    `json:"unreadCount"`
}

func (s *Server) conversations(c *gin.Context) {
	uid, ok := parseID(c.Query("userId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing userId"})
		return
	}
	rows, err := s.deps.Router.Store().ConversationSummaries(c.Request.Context(), uid)
	if err != nil {
		s.log.Error("fetch conversations", zap.Int64("user", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch conversations"})
		return
	}
	out := make([]conversationItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, conversationItem{
			UserID:          r.UserID,
			Username:        r.Username,
			LastMessage:     r.LastMessage,
			LastMessageTime: message.FormatTime(r.LastMessageTime),
			UnreadCount:     r.UnreadCount,
		})
	}
	c.JSON(http.StatusOK, out)
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
