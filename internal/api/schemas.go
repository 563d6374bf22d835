package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"suiterunner/internal/configfiles"
	"suiterunner/internal/models"
)

type SubmitRunRequest struct {
	Suite string   `json:"suite"`
	Args  []string `json:"args"`
}

func (c *SubmitRunRequest) Validate() error {
	var errs []error

	c.Suite = strings.TrimSpace(c.Suite)
	if c.Suite == "" {
		errs = append(errs, errors.New("suite is empty"))
	}
	if c.Args == nil {
		c.Args = []string{}
	}
	for i, arg := range c.Args {
		if strings.ContainsRune(arg, 0) {
			errs = append(errs, fmt.Errorf("argument %d contains a NUL byte", i+1))
		}
	}

	return errors.Join(errs...)
}

type SchedulerRequest struct {
	MaxConcurrency int `json:"maxConcurrency"`
}

func (c *SchedulerRequest) Validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New("maxConcurrency must be >= 1")
	}
	return nil
}

type ConfigPayload struct {
	Path    string               `json:"path"`
	Content configfiles.Document `json:"content"`
}

type ConfigFolders struct {
	Folders []string `json:"folders"`
}

type UILockRequest struct {
	Locked bool   `json:"locked"`
	Owner  string `json:"owner"`
}

type UIState struct {
	State map[string]any `json:"state"`
}

// StreamError is the payload of the SSE error event sent before a lagging subscriber is dropped
type StreamError struct {
	Error        string   `json:"error"`
	LastSequence null.Int `json:"lastSequence"`
}

// ParseRunFilter reads the run listing query: repeatable or comma separated status, RFC3339 since
// and until, and limit
func ParseRunFilter(query url.Values) (models.RunFilter, error) {
	var (
		filter models.RunFilter
		errs   []error
	)

	for _, raw := range query["status"] {
		for _, value := range strings.Split(raw, ",") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			status, err := models.ParseRunStatus(value)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	parseTime := func(key string) null.Time {
		value := query.Get(key)
		if value == "" {
			return null.Time{}
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an RFC3339 timestamp", key))
			return null.Time{}
		}
		return null.TimeFrom(t)
	}
	filter.Since = parseTime("since")
	filter.Until = parseTime("until")

	if value := query.Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 0 {
			errs = append(errs, errors.New("limit must be a non-negative integer"))
		}
		filter.Limit = limit
	}

	return filter, errors.Join(errs...)
}
