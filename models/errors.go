package models

import "errors"

// 业务错误定义。每个错误都是对单次调用的终止性拒绝，不产生任何副作用。
var (
	// Poll creation validation.
	ErrInvalidOptionCount = errors.New("poll must have between 2 and 10 options")
	ErrInvalidTimeRange   = errors.New("poll start time must be before end time")
	ErrDescriptionTooLong = errors.New("poll description exceeds 280 bytes")

	// Vote admission.
	ErrPollNotFound   = errors.New("poll not found")
	ErrPollNotActive  = errors.New("poll is not active")
	ErrPollNotStarted = errors.New("poll has not started yet")
	ErrPollEnded      = errors.New("poll has ended")
	ErrInvalidOption  = errors.New("invalid option index")
	ErrAlreadyVoted   = errors.New("identity already voted on this poll")

	// Authorization.
	ErrUnauthorized = errors.New("caller is not the poll creator")
)
