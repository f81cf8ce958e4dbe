package internal

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
	"github.com/saurav-co-de/chart/internal/message"
)

var validate = validator.New()

type locationRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

type postMessageRequest struct {
	Message string     `json:"message" validate:"required"`
	RoomID  geo.RoomID `json:"roomId" validate:"required"`
}

type nearbyUserDTO struct {
	Username string       `json:"username"`
	Location geo.Location `json:"location"`
	IsOnline bool         `json:"isOnline"`
	LastSeen time.Time    `json:"lastSeen"`
	Distance float64      `json:"distance"`

	// OnlineSince is set while the user has a socket open.
	OnlineSince *time.Time `json:"onlineSince,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "OK",
		"message":   "geochat server is running",
		"version":   Version,
		"online":    s.presence.ActiveCount(),
		"sessions":  s.registry.Count(),
		"timestamp": time.Now().UTC(),
	}
	if last := s.registry.LastActivity(); !last.IsZero() {
		body["lastActivity"] = last.UTC()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleUpdateLocation(c *gin.Context) {
	user := currentUser(c)
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please provide latitude and longitude"})
		return
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && verrs[0].Tag() == "required" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Please provide latitude and longitude"})
			return
		}
		abortError(c, chaterr.ErrInvalidCoordinate)
		return
	}
	loc := geo.Location{Latitude: *req.Latitude, Longitude: *req.Longitude}
	if err := s.users.UpdateLocation(c.Request.Context(), user.ID, loc); err != nil {
		abortError(c, err)
		return
	}
	room, err := geo.Resolve(loc.Latitude, loc.Longitude)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "Location updated successfully",
		"location": loc,
		"roomId":   room,
	})
}

func (s *Server) handleRoom(c *gin.Context) {
	user := currentUser(c)
	if user.Location == nil {
		abortError(c, chaterr.ErrLocationNotSet)
		return
	}
	room, err := geo.Resolve(user.Location.Latitude, user.Location.Longitude)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": room, "location": user.Location})
}

func (s *Server) handleNearby(c *gin.Context) {
	user := currentUser(c)
	if user.Location == nil {
		abortError(c, chaterr.ErrLocationNotSet)
		return
	}
	found, err := s.users.ListNearby(c.Request.Context(), *user.Location, geo.NearbyRadiusMeters, user.ID)
	if err != nil {
		abortError(c, err)
		return
	}
	out := make([]nearbyUserDTO, 0, len(found))
	for _, n := range found {
		dto := nearbyUserDTO{
			Username: n.Username,
			Location: *n.Location,
			IsOnline: n.Online,
			LastSeen: n.LastSeen,
			Distance: n.DistanceMeters,
		}
		if since, ok := s.presence.OnlineSince(n.ID); ok {
			dto.IsOnline = true
			dto.OnlineSince = &since
		}
		out = append(out, dto)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "users": out})
}

func (s *Server) handleListMessages(c *gin.Context) {
	limit := message.DefaultHistory
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	messages, err := s.pipeline.History(c.Request.Context(), geo.RoomID(c.Param("roomId")), limit)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(messages), "messages": messages})
}

func (s *Server) handlePostMessage(c *gin.Context) {
	user := currentUser(c)
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || validate.Struct(req) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please provide message and room ID"})
		return
	}
	stored, err := s.pipeline.Post(c.Request.Context(), user.ID, req.Message, req.RoomID)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	user := currentUser(c)
	if err := s.pipeline.Delete(c.Request.Context(), c.Param("id"), user.ID); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted successfully"})
}

// abortError answers with the status for err's kind. Internal failures are
// logged and not described to the caller.
func abortError(c *gin.Context, err error) {
	status := chaterr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": chaterr.Public(err)})
}
