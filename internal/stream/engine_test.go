package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

type EngineTestSuite struct {
	suite.Suite

	engine *Engine
	srv    *httptest.Server
	// handler is swapped per test
	handler http.HandlerFunc
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.engine = NewEngine(NewRegistry(RegistryOptions{}))
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handler(w, r)
	}))
}

func (s *EngineTestSuite) TearDownTest() {
	s.srv.Close()
}

func fastOptions() Options {
	return Options{Name: "test", Interval: 20 * time.Millisecond, Timeout: 50 * time.Millisecond}
}

// open starts a streaming request and returns a frame reader plus the cancel of its context.
func (s *EngineTestSuite) open(accept string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/api/things", nil)
	s.Require().NoError(err)
	req.Header.Set("Accept", accept)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp, bufio.NewReader(resp.Body), cancel
}

// readFrame returns the next frame without its terminating blank line.
func readFrame(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b.String(), err
		}
		if line == "\n" {
			return strings.TrimSuffix(b.String(), "\n"), nil
		}
		b.WriteString(line)
	}
}

func forbidden() error {
	return apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "",
		errors.New(`User "x" cannot list resource "pods"`))
}

func (s *EngineTestSuite) TestDataThenKeepAlives() {
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return []map[string]string{{"name": "a"}}, nil
		}
		return nil, errors.New("upstream down")
	}
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, fetch, fastOptions())
	}

	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()
	s.Equal(ContentType, resp.Header.Get("Content-Type"))
	s.Equal("no", resp.Header.Get("X-Accel-Buffering"))
	s.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))

	frame, err := readFrame(fr)
	s.Require().NoError(err)
	s.Equal(`data: [{"name":"a"}]`, frame)

	for i := 0; i < 3; i++ {
		frame, err = readFrame(fr)
		s.Require().NoError(err)
		s.Equal(": keep-alive", frame)
	}
	s.Equal(1, s.engine.Registry().Len())

	cancel()
	s.Eventually(func() bool { return s.engine.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *EngineTestSuite) TestConcurrentStreamsOnOnePath() {
	fetch := func(context.Context) (any, error) {
		return []string{"a"}, nil
	}
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, fetch, fastOptions())
	}

	first, fr1, cancel1 := s.open(ContentType)
	defer cancel1()
	defer func() { _ = first.Body.Close() }()
	second, fr2, cancel2 := s.open(ContentType)
	defer cancel2()
	defer func() { _ = second.Body.Close() }()

	_, err := readFrame(fr1)
	s.Require().NoError(err)
	_, err = readFrame(fr2)
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.engine.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel1()
	s.Eventually(func() bool { return s.engine.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	// the survivor keeps streaming and keeps its entry
	frame, err := readFrame(fr2)
	s.Require().NoError(err)
	s.Equal(`data: ["a"]`, frame)
	s.Equal(1, s.engine.Registry().Len())
}

func (s *EngineTestSuite) TestConnectionID() {
	r := httptest.NewRequest(http.MethodGet, "/api/things?x=1", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	s.Equal("10.0.0.7:51234/api/things", ConnectionID(r))

	other := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	other.RemoteAddr = "10.0.0.7:51235"
	s.NotEqual(ConnectionID(r), ConnectionID(other))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	s.Equal("203.0.113.9@10.0.0.7:51234/api/things", ConnectionID(r))
}

func (s *EngineTestSuite) TestRefreshesAndTouches() {
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		return map[string]int32{"n": calls.Add(1)}, nil
	}
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, fetch, fastOptions())
	}
	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	for _, want := range []string{`data: {"n":1}`, `data: {"n":2}`, `data: {"n":3}`} {
		frame, err := readFrame(fr)
		s.Require().NoError(err)
		s.Equal(want, frame)
	}
	snap := s.engine.Registry().Snapshot()
	s.Require().Len(snap, 1)
	s.True(snap[0].LastActive.After(snap[0].Created))
	s.True(strings.HasSuffix(snap[0].ID, "/api/things"))
}

func (s *EngineTestSuite) TestPermissionFrameFirst() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, func(context.Context) (any, error) { return nil, forbidden() }, fastOptions())
	}
	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	frame, err := readFrame(fr)
	s.Require().NoError(err)
	s.Require().True(strings.HasPrefix(frame, "data: "))
	var body ErrorBody
	s.Require().NoError(json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &body))
	s.Equal(ErrorTypePermission, body.Error.Type)
	s.Equal(http.StatusForbidden, body.Error.Code)
	s.Equal("pods", body.Error.Resource)
	s.Equal("list", body.Error.Verb)

	_, err = readFrame(fr)
	s.ErrorIs(err, io.EOF)
}

func (s *EngineTestSuite) TestGenericErrorFrameThenRecovers() {
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return []string{"ok"}, nil
	}
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, fetch, fastOptions())
	}
	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	frame, err := readFrame(fr)
	s.Require().NoError(err)
	s.Contains(frame, `"type":"fetch_error"`)
	frame, err = readFrame(fr)
	s.Require().NoError(err)
	s.Equal(`data: ["ok"]`, frame)
}

func (s *EngineTestSuite) TestTimeoutDegradesToKeepAlive() {
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		if calls.Add(1) > 1 {
			time.Sleep(300 * time.Millisecond)
		}
		return []string{"x"}, nil
	}
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, fetch, Options{Interval: 10 * time.Millisecond, Timeout: 20 * time.Millisecond})
	}
	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	frame, err := readFrame(fr)
	s.Require().NoError(err)
	s.Equal(`data: ["x"]`, frame)
	frame, err = readFrame(fr)
	s.Require().NoError(err)
	s.Equal(": keep-alive", frame)
}

func (s *EngineTestSuite) TestNilInitialIsEmptyArray() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		var rows []string
		s.engine.Serve(w, r, rows, func(context.Context) (any, error) { return nil, nil }, fastOptions())
	}
	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	for i := 0; i < 2; i++ {
		frame, err := readFrame(fr)
		s.Require().NoError(err)
		s.Equal("data: []", frame)
	}
}

func (s *EngineTestSuite) TestNonStreamingFallback() {
	var calls atomic.Int32
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, func(context.Context) (any, error) {
			calls.Add(1)
			return []string{"a", "b"}, nil
		}, fastOptions())
	}
	resp, err := http.Get(s.srv.URL + "/api/things")
	s.Require().NoError(err)
	defer func() { _ = resp.Body.Close() }()
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("application/json", resp.Header.Get("Content-Type"))
	var got []string
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&got))
	s.Equal([]string{"a", "b"}, got)
	s.EqualValues(1, calls.Load())
	s.Equal(0, s.engine.Registry().Len())
}

func (s *EngineTestSuite) TestNonStreamingErrors() {
	fail := forbidden()
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, func(context.Context) (any, error) { return nil, fail }, fastOptions())
	}
	resp, err := http.Get(s.srv.URL + "/x")
	s.Require().NoError(err)
	_ = resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)

	fail = errors.New("boom")
	resp, err = http.Get(s.srv.URL + "/x")
	s.Require().NoError(err)
	_ = resp.Body.Close()
	s.Equal(http.StatusBadGateway, resp.StatusCode)
}

func (s *EngineTestSuite) TestTransformAndHooks() {
	var (
		mu      sync.Mutex
		started []string
		errs    int
	)
	opts := fastOptions()
	opts.Transform = func(v any) (any, error) {
		return map[string]any{"wrapped": v}, nil
	}
	opts.Hooks = Hooks{
		Start: func(ctx context.Context, name string) (context.Context, func()) {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
			return ctx, func() {}
		},
		Error: func(context.Context, error) {
			mu.Lock()
			errs++
			mu.Unlock()
		},
	}
	var calls atomic.Int32
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.engine.ServeInitial(w, r, func(context.Context) (any, error) {
			if calls.Add(1) == 2 {
				return nil, errors.New("once")
			}
			return 1, nil
		}, opts)
	}
	resp, fr, cancel := s.open(ContentType)
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	frame, err := readFrame(fr)
	s.Require().NoError(err)
	s.Equal(`data: {"wrapped":1}`, frame)
	frame, err = readFrame(fr)
	s.Require().NoError(err)
	s.Equal(": keep-alive", frame)
	frame, err = readFrame(fr)
	s.Require().NoError(err)
	s.Equal(`data: {"wrapped":1}`, frame)

	mu.Lock()
	defer mu.Unlock()
	s.GreaterOrEqual(len(started), 3)
	s.Equal("test", started[0])
	s.Equal(1, errs)
}

func (s *EngineTestSuite) TestNormalize() {
	var m map[string]int
	var p *int
	s.Equal([]any{}, normalize(nil))
	s.Equal([]any{}, normalize(m))
	s.Equal([]any{}, normalize(p))
	s.Equal(3, normalize(3))
}
