package api

import (
	"errors"
	"net/http"
	"strconv"

	"monitorconsole/commandapi"
	"monitorconsole/models"
	"monitorconsole/service"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type targetRequest struct {
	Target string `json:"target" binding:"required"`
}

type commandRequest struct {
	Type string `json:"type" binding:"required"`
}

type notifyRequest struct {
	Title   string `json:"title"`
	Message string `json:"message" binding:"required"`
}

// statusFor maps console errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *commandapi.RequestFailedError
	switch {
	case errors.Is(err, service.ErrNotAuthenticated), errors.Is(err, commandapi.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNoTarget), errors.Is(err, service.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionActive):
		return http.StatusConflict
	case errors.As(err, &reqErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), models.ErrorResponse(err.Error()))
}

// GetStatus returns the console summary
func GetStatus(c *gin.Context, console *service.Console) {
	c.JSON(http.StatusOK, models.SuccessResponse(console.Status()))
}

// GetEmployees lists monitored employees with presence
func GetEmployees(c *gin.Context, console *service.Console) {
	employees, err := console.Employees(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(employees))
}

func Login(c *gin.Context, console *service.Console) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := console.Login(c.Request.Context(), req.Email, req.Password); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(console.Status()))
}

func Logout(c *gin.Context, console *service.Console) {
	console.Logout()
	c.JSON(http.StatusOK, models.MessageResponse("logged out"))
}

// SelectTarget switches the console to another employee
func SelectTarget(c *gin.Context, console *service.Console) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := console.SelectTarget(c.Request.Context(), req.Target); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(console.Status()))
}

func ClearTarget(c *gin.Context, console *service.Console) {
	console.ClearTarget()
	c.JSON(http.StatusOK, models.MessageResponse("target cleared"))
}

// TriggerCommand sends a command and returns once it is accepted. The
// result arrives over the websocket as a viewport update.
func TriggerCommand(c *gin.Context, console *service.Console) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	t, err := models.ParseCommandType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	cmd, _, err := console.TriggerCommand(c.Request.Context(), t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(cmd))
}

func StartLive(c *gin.Context, console *service.Console) {
	if err := console.StartLive(); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(console.Status().Live))
}

func StopLive(c *gin.Context, console *service.Console) {
	console.StopLive()
	c.JSON(http.StatusOK, models.SuccessResponse(console.Status().Live))
}

func ToggleLive(c *gin.Context, console *service.Console) {
	started, err := console.ToggleLive()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"started": started,
		"live":    console.Status().Live,
	}))
}

func GetLive(c *gin.Context, console *service.Console) {
	c.JSON(http.StatusOK, models.SuccessResponse(console.Status().Live))
}

// GetRelay returns relayed NAL and viewer counts per target
func GetRelay(c *gin.Context, hub *Hub) {
	c.JSON(http.StatusOK, models.SuccessResponse(hub.RelayStatus()))
}

func GetViewport(c *gin.Context, console *service.Console) {
	c.JSON(http.StatusOK, models.SuccessResponse(console.View()))
}

// GetLogs returns recent log entries, newest first. history=1 reads the
// persisted log instead of the displayed one.
func GetLogs(c *gin.Context, events *service.EventLog) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid limit"))
		return
	}
	if c.Query("history") == "1" {
		entries, err := events.History(c.Request.Context(), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(entries))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(events.Recent(limit)))
}

func SendNotification(c *gin.Context, console *service.Console) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := console.SendNotification(c.Request.Context(), req.Title, req.Message); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("notification sent"))
}
