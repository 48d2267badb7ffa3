package handlers

import (
	"errors"
	"net/http"

	"poll-ledger-backend/models"
)

// statusForError 将业务错误映射为HTTP状态码。
// 校验类错误400，不存在404，权限和窗口类403，重复投票409。
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOptionCount),
		errors.Is(err, models.ErrInvalidTimeRange),
		errors.Is(err, models.ErrDescriptionTooLong),
		errors.Is(err, models.ErrInvalidOption):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPollNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrPollNotActive),
		errors.Is(err, models.ErrPollNotStarted),
		errors.Is(err, models.ErrPollEnded):
		return http.StatusForbidden
	case errors.Is(err, models.ErrAlreadyVoted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
