package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"realtime-poll-backend/history"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/repository"
	"realtime-poll-backend/service"

	"github.com/gin-gonic/gin"
)

// retryAfterSeconds 存储暂时不可用时建议客户端的退避时间
const retryAfterSeconds = 1

// Response 统一响应格式
type Response struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message,omitempty"`
	Data       interface{}            `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Pagination *repository.Pagination `json:"pagination,omitempty"`
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{Success: true, Message: message, Data: data})
}

// badRequest 绑定失败的细节只写日志，客户端只看到固定的错误码
func badRequest(c *gin.Context, message string, err error) {
	if err != nil {
		logging.For("handlers", "badRequest").WithError(err).WithField("path", c.FullPath()).Debug("request rejected")
	}
	c.JSON(http.StatusBadRequest, Response{Success: false, Message: message, Error: "invalid_request"})
}

// fail 把领域错误映射成状态码，驱动层的错误信息不返回给客户端
func fail(c *gin.Context, err error) {
	status, message, code := classify(err)
	if status == http.StatusServiceUnavailable && errors.Is(err, repository.ErrTransientStore) {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		logging.For("handlers", "fail").WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, Response{Success: false, Message: message, Error: code})
}

func classify(err error) (status int, message, code string) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "Authentication required", "unauthenticated"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests, please slow down", "rate_limited"
	case errors.Is(err, repository.ErrPollNotFound):
		return http.StatusNotFound, "Poll not found", "poll_not_found"
	case errors.Is(err, repository.ErrAlreadyVoted):
		return http.StatusConflict, "You have already voted on this poll", "already_voted"
	case errors.Is(err, repository.ErrPollNotVotable):
		return http.StatusBadRequest, notVotableMessage(err), "poll_not_votable"
	case errors.Is(err, repository.ErrInvalidOptionSelection):
		return http.StatusBadRequest, "Invalid option selection", "invalid_option_selection"
	case errors.Is(err, repository.ErrInvalidPoll):
		return http.StatusBadRequest, err.Error(), "invalid_poll"
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, "Only the poll owner can modify this poll", "forbidden"
	case errors.Is(err, repository.ErrPollLocked):
		return http.StatusConflict, "Options cannot change after votes have been cast", "poll_locked"
	case errors.Is(err, repository.ErrTransientStore):
		return http.StatusServiceUnavailable, "Service temporarily unavailable, please retry", "transient_failure"
	case errors.Is(err, history.ErrArchiveDisabled):
		return http.StatusServiceUnavailable, "Vote history is not enabled", "history_disabled"
	default:
		return http.StatusInternalServerError, "Internal server error", "internal"
	}
}

// notVotableMessage 已结束、未发布、未开始分别给出提示
func notVotableMessage(err error) string {
	msg := err.Error()
	prefix := repository.ErrPollNotVotable.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		reason := msg[len(prefix):]
		return "This poll is not accepting votes: " + reason
	}
	return "This poll is not accepting votes"
}
