package handlers

import (
	"net/http"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/history"
	"realtime-poll-backend/models"
	"realtime-poll-backend/service"

	"github.com/gin-gonic/gin"
)

// VoteHandler 投票提交与结果查询
type VoteHandler struct {
	votes   *service.VoteService
	polls   *service.PollService
	history *history.Reader
}

func NewVoteHandler(votes *service.VoteService, polls *service.PollService, hist *history.Reader) *VoteHandler {
	return &VoteHandler{votes: votes, polls: polls, history: hist}
}

// VoteInput pollOptionId 为单选写法，optionIds 为多选写法
type VoteInput struct {
	PollID       string   `json:"pollId"`
	PollOptionID string   `json:"pollOptionId"`
	OptionIDs    []string `json:"optionIds"`
}

func (in VoteInput) optionIDs() []string {
	if len(in.OptionIDs) > 0 {
		return in.OptionIDs
	}
	if in.PollOptionID != "" {
		return []string{in.PollOptionID}
	}
	return nil
}

// VoteResult 提交成功后返回投票记录和最新结果
type VoteResult struct {
	Vote    models.Vote          `json:"vote"`
	Results *service.PollResults `json:"results"`
}

func (h *VoteHandler) SubmitVote(c *gin.Context) {
	var input VoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, "Invalid vote data", err)
		return
	}
	if len(input.optionIDs()) == 0 {
		badRequest(c, "Please select at least one option", nil)
		return
	}

	out, err := h.votes.SubmitVote(c.Request.Context(), auth.SessionFrom(c), service.VoteCommand{
		PollID:    input.PollID,
		OptionIDs: input.optionIDs(),
	})
	if err != nil {
		fail(c, err)
		return
	}

	ok(c, http.StatusCreated, "Vote recorded successfully", VoteResult{
		Vote: out.Vote,
		Results: &service.PollResults{
			PollID:     out.Poll.ID,
			Question:   out.Poll.Question,
			Options:    out.Poll.Options,
			TotalVotes: out.Poll.TotalVotes,
			Version:    out.Version,
		},
	})
}

func (h *VoteHandler) GetResults(c *gin.Context) {
	results, err := h.polls.GetResults(c.Request.Context(), auth.SessionFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "", results)
}

func (h *VoteHandler) GetUserVote(c *gin.Context) {
	status, err := h.polls.GetUserVote(c.Request.Context(), auth.SessionFrom(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "", status)
}

// GetHistory 计票历史，未配置 MongoDB 时返回 503
func (h *VoteHandler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.polls.GetResults(c.Request.Context(), auth.SessionFrom(c), id); err != nil {
		fail(c, err)
		return
	}
	snapshots, err := h.history.History(c.Request.Context(), id, queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, "", snapshots)
}
