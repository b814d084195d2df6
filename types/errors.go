package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
)

var (
	ErrCacheKeyEmpty      = errors.New("cache key empty")
	ErrCacheFetchIsNil    = errors.New("cache fetch function is nil")
	ErrWarmingConfigEmpty = errors.New("warming config has no patterns")
	ErrWarmingFetchIsNil  = errors.New("warming fetch function is nil")
	ErrInvalidPatternNil  = errors.New("invalidation pattern regex is nil")
	ErrMemoryConfigEmpty  = errors.New("memory budget is not set")
)

var (
	ErrStoreNotInitialized = errors.New("store not initialized")
	ErrStoreTypeUnknown    = errors.New("store type unknown")
	ErrCollectionNotFound  = errors.New("collection not found")
	ErrRecordNotFound      = errors.New("record not found")
	ErrPrimaryKeyMissing   = errors.New("primary key missing")
	ErrIndexNotFound       = errors.New("index not found")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
)

var (
	ErrOperationKeyEmpty    = errors.New("operation key empty")
	ErrOperationTypeUnknown = errors.New("operation type unknown")
	ErrOperationDataMissing = errors.New("operation data missing")
	ErrOperationIDMissing   = errors.New("operation id missing")
	ErrOfflineQueueFailed   = errors.New("offline queue failed")
	ErrSyncInProgress       = errors.New("offline sync in progress")
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrRemoteRejected     = errors.New("remote rejected request")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
	ErrLoggerTypeUnknown  = errors.New("logger type unknown")
)

var (
	ErrServiceExists    = errors.New("service already registered")
	ErrServiceNotFound  = errors.New("service not found")
	ErrInvalidParameter = errors.New("invalid parameter")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
