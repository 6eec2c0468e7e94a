package job

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrEmptyURL is returned by New when the supplied URL is empty once
// trimmed.
var ErrEmptyURL = errors.New("job: url must not be empty")

// ErrNegativeDepth is returned by New when spec.Depth is negative.
var ErrNegativeDepth = errors.New("job: depth must not be negative")

// Spec describes a job to be constructed by New. Only URL is required;
// every other field has a documented zero-value meaning.
type Spec struct {
	// Id uniquely identifies the job. If empty, New generates one.
	Id string

	// URL is the target to fetch. A scheme is prepended if missing.
	URL string

	// Group is the throttling/parallelism key, typically a domain.
	// Empty means the job is ungrouped and exempt from both limits.
	Group string

	// Depth is the crawl depth. Negative values are rejected.
	Depth int

	// Spider identifies the downstream handler for this job.
	Spider string

	// Priority orders eligible jobs; lower values are selected first.
	Priority int

	// Data is an opaque, caller-defined payload. Use Encode/Decode to
	// populate and read it; the scheduler never inspects it.
	Data []byte

	// Parent is the id of the job whose processing spawned this one.
	Parent string
}

// Job is a unit of crawl work: a URL plus the metadata a Scheduler
// needs to order, throttle and parallelize it. Job values returned by
// a Scheduler are immutable snapshots; transitions happen only through
// Scheduler methods.
type Job struct {
	Id       string
	URL      string
	Group    string
	Depth    int
	Spider   string
	Priority int
	Data     []byte
	Parent   string
	Attempts uint32

	domainOnce sync.Once
	domain     string
}

// New builds a Job from spec, normalizing the URL (prepending a scheme
// if missing, trimming surrounding whitespace) and defaulting Depth to
// 0 when spec.Depth is the zero value and no explicit negative depth
// was requested.
func New(spec Spec) (*Job, error) {
	u := strings.TrimSpace(spec.URL)
	if u == "" {
		return nil, ErrEmptyURL
	}
	u = ensureScheme(u)

	if spec.Depth < 0 {
		return nil, ErrNegativeDepth
	}

	id := spec.Id
	if id == "" {
		id = uuid.NewString()
	}

	return &Job{
		Id:       id,
		URL:      u,
		Group:    spec.Group,
		Depth:    spec.Depth,
		Spider:   spec.Spider,
		Priority: spec.Priority,
		Data:     spec.Data,
		Parent:   spec.Parent,
	}, nil
}

func ensureScheme(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return raw
	}
	return "http://" + raw
}

// Domain returns the job's URL host, computed lazily and cached on
// first call. An unparsable URL yields an empty domain.
func (j *Job) Domain() string {
	j.domainOnce.Do(func() {
		u, err := url.Parse(j.URL)
		if err != nil {
			return
		}
		j.domain = u.Hostname()
	})
	return j.domain
}

// Equal reports whether two jobs share the same id. Id is the sole
// identity of a Job; all other fields may legitimately differ between
// snapshots taken at different times.
func (j *Job) Equal(other *Job) bool {
	if j == nil || other == nil {
		return j == other
	}
	return j.Id == other.Id
}

// Encode marshals v into the opaque byte form stored in Job.Data.
// The scheduler never inspects the result; it is round-tripped
// verbatim between Put and Get.
func Encode[T any](v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a Job.Data payload previously produced by Encode.
func Decode[T any](data []byte) (T, error) {
	var v T
	if data == nil {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
