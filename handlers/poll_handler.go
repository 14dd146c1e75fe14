package handlers

import (
	"net/http"
	"strconv"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/repository"
	"realtime-poll-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PollHandler 投票管理与查询接口
type PollHandler struct {
	polls *service.PollService
}

func NewPollHandler(polls *service.PollService) *PollHandler {
	return &PollHandler{polls: polls}
}

// CreatePollInput defines the expected input structure for creating a poll
type CreatePollInput struct {
	Question      string     `json:"question" binding:"required"`
	Description   string     `json:"description"`
	Options       []string   `json:"options" binding:"required,min=2,dive,required"`
	IsPublished   bool       `json:"isPublished"`
	AllowMultiple bool       `json:"allowMultiple"`
	IsAnonymous   bool       `json:"isAnonymous"`
	StartDate     *time.Time `json:"startDate"`
	EndDate       *time.Time `json:"endDate"`
}

// OptionInput 更新时的选项，id 为空表示新增
type OptionInput struct {
	ID   string `json:"id"`
	Text string `json:"text" binding:"required"`
}

// UpdatePollInput 所有字段可选
type UpdatePollInput struct {
	Question      *string       `json:"question"`
	Description   *string       `json:"description"`
	IsPublished   *bool         `json:"isPublished"`
	IsAnonymous   *bool         `json:"isAnonymous"`
	AllowMultiple *bool         `json:"allowMultiple"`
	StartDate     *time.Time    `json:"startDate"`
	EndDate       *time.Time    `json:"endDate"`
	Options       []OptionInput `json:"options" binding:"omitempty,min=2,dive"`
}

// CreatePoll handles the creation of a new poll
func (h *PollHandler) CreatePoll(c *gin.Context) {
	var input CreatePollInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "Invalid poll data", err)
		return
	}

	session := auth.SessionFrom(c)
	poll, err := h.polls.CreatePoll(c.Request.Context(), session, repository.NewPoll{
		Question:      input.Question,
		Description:   input.Description,
		Options:       input.Options,
		IsPublished:   input.IsPublished,
		AllowMultiple: input.AllowMultiple,
		IsAnonymous:   input.IsAnonymous,
		StartDate:     input.StartDate,
		EndDate:       input.EndDate,
	})
	if err != nil {
		fail(c, err)
		return
	}

	logging.For("handlers", "CreatePoll").WithFields(logrus.Fields{
		"poll_id": poll.ID,
		"user_id": session.UserID,
	}).Info("poll created")
	ok(c, http.StatusCreated, "Poll created successfully", poll)
}

// GetPolls 分页列表：published=true 只看已发布，mine=true 只看自己的
func (h *PollHandler) GetPolls(c *gin.Context) {
	opts := service.ListOptions{
		Page:          queryInt(c, "page", 1),
		Limit:         queryInt(c, "limit", repository.DefaultPageSize),
		PublishedOnly: c.Query("published") == "true",
		Mine:          c.Query("mine") == "true",
	}

	polls, page, err := h.polls.ListPolls(c.Request.Context(), auth.SessionFrom(c), opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: polls, Pagination: &page})
}

func (h *PollHandler) GetPoll(c *gin.Context) {
	poll, err := h.polls.GetPoll(c.Request.Context(), auth.SessionFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "", poll)
}

func (h *PollHandler) UpdatePoll(c *gin.Context) {
	var input UpdatePollInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "Invalid poll data", err)
		return
	}

	upd := repository.PollUpdate{
		Question:      input.Question,
		Description:   input.Description,
		IsPublished:   input.IsPublished,
		IsAnonymous:   input.IsAnonymous,
		AllowMultiple: input.AllowMultiple,
		StartDate:     input.StartDate,
		EndDate:       input.EndDate,
	}
	for _, o := range input.Options {
		upd.Options = append(upd.Options, repository.OptionEdit{ID: o.ID, Text: o.Text})
	}

	poll, err := h.polls.UpdatePoll(c.Request.Context(), auth.SessionFrom(c), c.Param("id"), upd)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "Poll updated successfully", poll)
}

func (h *PollHandler) DeletePoll(c *gin.Context) {
	id := c.Param("id")
	if err := h.polls.DeletePoll(c.Request.Context(), auth.SessionFrom(c), id); err != nil {
		fail(c, err)
		return
	}
	logging.For("handlers", "DeletePoll").WithField("poll_id", id).Info("poll deleted")
	ok(c, http.StatusOK, "Poll deleted successfully", nil)
}

// GetStats 当前用户的仪表盘统计
func (h *PollHandler) GetStats(c *gin.Context) {
	stats, err := h.polls.Stats(c.Request.Context(), auth.SessionFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "", stats)
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
