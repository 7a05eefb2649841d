package device

import (
	"context"
	"sync"
)

// Call records a command or fetch made against MockClient.
type Call struct {
	Method     string
	Brightness int
}

// MockClient implements DeviceClient for testing. Commands mutate the
// scripted data the way a real device would.
type MockClient struct {
	info      Info
	data      Data
	fetchFunc func(ctx context.Context) (Data, error)

	connErr    error
	infoErr    error
	dataErr    error
	commandErr error

	calls   []Call
	fetches int
	closed  bool
	mu      sync.Mutex
}

// NewMockClient creates a mock device that reports info.
func NewMockClient(info Info) *MockClient {
	return &MockClient{info: info, data: Data{}}
}

// SetData replaces the snapshot returned by GetAllData.
func (m *MockClient) SetData(data Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = copyData(data)
}

// SetFetchFunc overrides GetAllData entirely.
func (m *MockClient) SetFetchFunc(fn func(ctx context.Context) (Data, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFunc = fn
}

// SetConnectionError makes TestConnection fail with err.
func (m *MockClient) SetConnectionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connErr = err
}

// SetInfoError makes GetDeviceInfo fail with err.
func (m *MockClient) SetInfoError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoErr = err
}

// SetDataError makes GetAllData fail with err until cleared with nil.
func (m *MockClient) SetDataError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataErr = err
}

// SetCommandError makes TurnOn, TurnOff and SetBrightness fail with err.
func (m *MockClient) SetCommandError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandErr = err
}

func (m *MockClient) TestConnection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: TypePing})
	return m.connErr
}

func (m *MockClient) GetDeviceInfo(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: TypeGetDeviceInfo})
	if m.infoErr != nil {
		return Info{}, m.infoErr
	}
	return m.info, nil
}

func (m *MockClient) GetAllData(ctx context.Context) (Data, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: TypeGetAllData})
	m.fetches++
	fn := m.fetchFunc
	data, err := copyData(m.data), m.dataErr
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *MockClient) TurnOn(ctx context.Context) error {
	return m.command(Call{Method: TypeTurnOn}, func(d Data) { d["light_state"] = "on" })
}

func (m *MockClient) TurnOff(ctx context.Context) error {
	return m.command(Call{Method: TypeTurnOff}, func(d Data) { d["light_state"] = "off" })
}

func (m *MockClient) SetBrightness(ctx context.Context, brightness int) error {
	return m.command(Call{Method: TypeSetBrightness, Brightness: brightness}, func(d Data) {
		d["light_state"] = "on"
		d["brightness"] = float64(brightness)
	})
}

func (m *MockClient) command(call Call, apply func(Data)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.commandErr != nil {
		return m.commandErr
	}
	if m.data == nil {
		m.data = Data{}
	}
	apply(m.data)
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns every recorded call in order.
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CommandCalls returns only turn_on, turn_off and set_brightness calls.
func (m *MockClient) CommandCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		switch c.Method {
		case TypeTurnOn, TypeTurnOff, TypeSetBrightness:
			out = append(out, c)
		}
	}
	return out
}

// FetchCount returns how many times GetAllData was called.
func (m *MockClient) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func copyData(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
