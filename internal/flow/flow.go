// Package flow implements the multi-step config flows that create config
// entries, refresh rejected credentials, and edit entry options.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"devicehub/internal/device"
	"devicehub/internal/entry"
)

var (
	// ErrUnknownFlow is returned for a flow id that is not in progress.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrUnknownSource is returned by Init for an unsupported source.
	ErrUnknownSource = errors.New("unknown flow source")
)

// ResultType tells the caller what to do next.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Step ids.
const (
	StepUser          = "user"
	StepReauthConfirm = "reauth_confirm"
	StepInit          = "init"
)

// Error keys shown on forms and abort reasons.
const (
	ErrorBase            = "base"
	ErrorCannotConnect   = "cannot_connect"
	ErrorInvalidAuth     = "invalid_auth"
	ErrorUnknown         = "unknown"
	ErrorRequired        = "required"
	ErrorInvalidInterval = "invalid_interval"

	AbortAlreadyConfigured = "already_configured"
	AbortAlreadyInProgress = "already_in_progress"
	AbortReauthSuccessful  = "reauth_successful"
	AbortUniqueIDMismatch  = "unique_id_mismatch"
)

// Input field names.
const (
	FieldHost         = "host"
	FieldAPIKey       = "api_key"
	FieldScanInterval = "scan_interval"
)

// Field describes one form input.
type Field struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Required bool        `json:"required"`
	Secret   bool        `json:"secret,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// Result is the response to Init and Configure.
type Result struct {
	FlowID                  string            `json:"flow_id,omitempty"`
	Handler                 string            `json:"handler"`
	Source                  string            `json:"source"`
	Type                    ResultType        `json:"type"`
	StepID                  string            `json:"step_id,omitempty"`
	DataSchema              []Field           `json:"data_schema,omitempty"`
	Errors                  map[string]string `json:"errors,omitempty"`
	DescriptionPlaceholders map[string]string `json:"description_placeholders,omitempty"`
	Reason                  string            `json:"reason,omitempty"`
	Title                   string            `json:"title,omitempty"`
	EntryID                 string            `json:"entry_id,omitempty"`
	// Data carries the created entry data or options. It may hold secrets.
	Data map[string]interface{} `json:"-"`
}

// Store is the subset of the entry store flows need.
type Store interface {
	Get(entryID string) (entry.ConfigEntry, error)
	FindByUniqueID(domain, uniqueID string) (entry.ConfigEntry, bool)
	Add(e entry.ConfigEntry) (entry.ConfigEntry, error)
	Update(e entry.ConfigEntry) error
}

// Hooks lets the host react to completed flows.
type Hooks interface {
	EntryCreated(ctx context.Context, e entry.ConfigEntry)
	ReauthCompleted(ctx context.Context, e entry.ConfigEntry)
	OptionsUpdated(ctx context.Context, e entry.ConfigEntry)
}

type flowState struct {
	id      string
	source  string
	step    string
	entryID string
}

// Manager runs config flows for one integration domain.
type Manager struct {
	domain    string
	store     Store
	newClient device.Factory
	hooks     Hooks
	logger    *zap.Logger

	flows map[string]*flowState
	mu    sync.Mutex
}

// NewManager creates a flow manager.
func NewManager(domain string, store Store, newClient device.Factory, logger *zap.Logger) *Manager {
	return &Manager{
		domain:    domain,
		store:     store,
		newClient: newClient,
		logger:    logger.Named("flow"),
		flows:     make(map[string]*flowState),
	}
}

// SetHooks installs the completion hooks. Without hooks, completed flows
// only update the store.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

func (m *Manager) getHooks() Hooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}

// Init starts a flow. entryID is required for the reauth and options sources.
func (m *Manager) Init(ctx context.Context, source, entryID string) (Result, error) {
	switch source {
	case entry.SourceUser:
		f := m.start(source, StepUser, "")
		return m.userForm(f, nil), nil

	case entry.SourceReauth:
		e, err := m.store.Get(entryID)
		if err != nil {
			return Result{}, err
		}
		if m.reauthInProgress(entryID) {
			return Result{Handler: m.domain, Source: source, Type: ResultAbort, Reason: AbortAlreadyInProgress}, nil
		}
		f := m.start(source, StepReauthConfirm, entryID)
		m.logger.Info("Reauthentication flow started", zap.String("entry_id", entryID), zap.String("flow_id", f.id))
		return m.reauthForm(f, e, nil), nil

	case entry.SourceOptions:
		e, err := m.store.Get(entryID)
		if err != nil {
			return Result{}, err
		}
		f := m.start(source, StepInit, entryID)
		return m.optionsForm(f, e, nil), nil

	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
}

// StartReauth begins a reauthentication flow for an entry. A flow already
// in progress for the entry is left alone.
func (m *Manager) StartReauth(ctx context.Context, entryID string) error {
	_, err := m.Init(ctx, entry.SourceReauth, entryID)
	return err
}

// Configure submits input to the current step of a flow.
func (m *Manager) Configure(ctx context.Context, flowID string, input map[string]interface{}) (Result, error) {
	m.mu.Lock()
	f, ok := m.flows[flowID]
	m.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}

	switch f.step {
	case StepUser:
		return m.stepUser(ctx, f, input)
	case StepReauthConfirm:
		return m.stepReauthConfirm(ctx, f, input)
	case StepInit:
		return m.stepOptions(ctx, f, input)
	default:
		return Result{}, fmt.Errorf("flow %s in unknown step %s", flowID, f.step)
	}
}

// Abort discards a flow in progress.
func (m *Manager) Abort(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flows[flowID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	delete(m.flows, flowID)
	return nil
}

// InProgress lists the flows waiting for input.
func (m *Manager) InProgress() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Result, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, Result{
			FlowID:  f.id,
			Handler: m.domain,
			Source:  f.source,
			Type:    ResultForm,
			StepID:  f.step,
			EntryID: f.entryID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}

func (m *Manager) start(source, step, entryID string) *flowState {
	f := &flowState{id: uuid.Must(uuid.NewV4()).String(), source: source, step: step, entryID: entryID}

	m.mu.Lock()
	m.flows[f.id] = f
	m.mu.Unlock()
	return f
}

func (m *Manager) finish(f *flowState, res Result) Result {
	m.mu.Lock()
	delete(m.flows, f.id)
	m.mu.Unlock()

	res.FlowID = f.id
	res.Handler = m.domain
	res.Source = f.source
	return res
}

func (m *Manager) reauthInProgress(entryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.flows {
		if f.source == entry.SourceReauth && f.entryID == entryID {
			return true
		}
	}
	return false
}

func (m *Manager) form(f *flowState, schema []Field, errs map[string]string) Result {
	if errs == nil {
		errs = map[string]string{}
	}
	return Result{
		FlowID:     f.id,
		Handler:    m.domain,
		Source:     f.source,
		Type:       ResultForm,
		StepID:     f.step,
		DataSchema: schema,
		Errors:     errs,
	}
}

func (m *Manager) userForm(f *flowState, errs map[string]string) Result {
	return m.form(f, []Field{
		{Name: FieldHost, Type: "string", Required: true},
		{Name: FieldAPIKey, Type: "string", Required: true, Secret: true},
	}, errs)
}

func (m *Manager) reauthForm(f *flowState, e entry.ConfigEntry, errs map[string]string) Result {
	res := m.form(f, []Field{
		{Name: FieldAPIKey, Type: "string", Required: true, Secret: true},
	}, errs)
	res.DescriptionPlaceholders = map[string]string{"host": e.Data.Host, "name": e.Title}
	return res
}

func (m *Manager) optionsForm(f *flowState, e entry.ConfigEntry, errs map[string]string) Result {
	return m.form(f, []Field{
		{Name: FieldScanInterval, Type: "integer", Required: true, Default: int(e.Options.Interval().Seconds())},
	}, errs)
}

func (m *Manager) stepUser(ctx context.Context, f *flowState, input map[string]interface{}) (Result, error) {
	host, hostOK := stringField(input, FieldHost)
	apiKey, keyOK := stringField(input, FieldAPIKey)

	errs := map[string]string{}
	if !hostOK {
		errs[FieldHost] = ErrorRequired
	}
	if !keyOK {
		errs[FieldAPIKey] = ErrorRequired
	}
	if len(errs) > 0 {
		return m.userForm(f, errs), nil
	}

	info, err := m.validate(ctx, host, apiKey)
	if err != nil {
		return m.userForm(f, map[string]string{ErrorBase: m.errorKey(err)}), nil
	}

	if _, exists := m.store.FindByUniqueID(m.domain, info.ID); exists {
		return m.finish(f, Result{Type: ResultAbort, Reason: AbortAlreadyConfigured}), nil
	}

	created, err := m.store.Add(entry.ConfigEntry{
		Domain:       m.domain,
		Title:        host,
		UniqueID:     info.ID,
		Version:      entry.Version,
		MinorVersion: 1,
		Source:       entry.SourceUser,
		Data:         entry.Data{Host: host, APIKey: apiKey},
	})
	if errors.Is(err, entry.ErrAlreadyExists) {
		return m.finish(f, Result{Type: ResultAbort, Reason: AbortAlreadyConfigured}), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to store config entry: %w", err)
	}

	m.logger.Info("Config entry created",
		zap.String("entry_id", created.EntryID),
		zap.String("unique_id", created.UniqueID),
		zap.String("title", created.Title))

	if hooks := m.getHooks(); hooks != nil {
		hooks.EntryCreated(ctx, created)
	}

	return m.finish(f, Result{
		Type:    ResultCreateEntry,
		Title:   created.Title,
		EntryID: created.EntryID,
		Data:    map[string]interface{}{FieldHost: host, FieldAPIKey: apiKey},
	}), nil
}

func (m *Manager) stepReauthConfirm(ctx context.Context, f *flowState, input map[string]interface{}) (Result, error) {
	e, err := m.store.Get(f.entryID)
	if err != nil {
		m.finish(f, Result{})
		return Result{}, err
	}

	apiKey, ok := stringField(input, FieldAPIKey)
	if !ok {
		return m.reauthForm(f, e, map[string]string{FieldAPIKey: ErrorRequired}), nil
	}

	info, err := m.validate(ctx, e.Data.Host, apiKey)
	if err != nil {
		return m.reauthForm(f, e, map[string]string{ErrorBase: m.errorKey(err)}), nil
	}

	if e.UniqueID != "" && info.ID != e.UniqueID {
		m.logger.Warn("Reauthentication reached a different device",
			zap.String("entry_id", e.EntryID),
			zap.String("expected", e.UniqueID),
			zap.String("got", info.ID))
		return m.finish(f, Result{Type: ResultAbort, Reason: AbortUniqueIDMismatch}), nil
	}

	e.Data.APIKey = apiKey
	if err := m.store.Update(e); err != nil {
		return Result{}, fmt.Errorf("failed to update config entry: %w", err)
	}

	m.logger.Info("Reauthentication successful", zap.String("entry_id", e.EntryID))
	if hooks := m.getHooks(); hooks != nil {
		hooks.ReauthCompleted(ctx, e)
	}

	return m.finish(f, Result{Type: ResultAbort, Reason: AbortReauthSuccessful, EntryID: e.EntryID}), nil
}

func (m *Manager) stepOptions(ctx context.Context, f *flowState, input map[string]interface{}) (Result, error) {
	e, err := m.store.Get(f.entryID)
	if err != nil {
		m.finish(f, Result{})
		return Result{}, err
	}

	_, present := input[FieldScanInterval]
	seconds, ok := intField(input, FieldScanInterval)
	switch {
	case !present:
		return m.optionsForm(f, e, map[string]string{FieldScanInterval: ErrorRequired}), nil
	case !ok, seconds < entry.MinScanInterval, seconds > entry.MaxScanInterval:
		return m.optionsForm(f, e, map[string]string{FieldScanInterval: ErrorInvalidInterval}), nil
	}

	e.Options.ScanInterval = seconds
	if err := m.store.Update(e); err != nil {
		return Result{}, fmt.Errorf("failed to update config entry options: %w", err)
	}

	m.logger.Info("Options updated", zap.String("entry_id", e.EntryID), zap.Int("scan_interval", seconds))
	if hooks := m.getHooks(); hooks != nil {
		hooks.OptionsUpdated(ctx, e)
	}

	return m.finish(f, Result{
		Type:    ResultCreateEntry,
		EntryID: e.EntryID,
		Data:    map[string]interface{}{FieldScanInterval: seconds},
	}), nil
}

// validate connects with the candidate credentials and fetches the device id.
func (m *Manager) validate(ctx context.Context, host, apiKey string) (device.Info, error) {
	client := m.newClient(host, apiKey)
	defer client.Close()

	if err := client.TestConnection(ctx); err != nil {
		return device.Info{}, err
	}
	return client.GetDeviceInfo(ctx)
}

func (m *Manager) errorKey(err error) string {
	switch {
	case errors.Is(err, device.ErrAuthentication):
		return ErrorInvalidAuth
	case errors.Is(err, device.ErrConnection), errors.Is(err, context.DeadlineExceeded):
		return ErrorCannotConnect
	default:
		m.logger.Error("Unexpected error validating device", zap.Error(err))
		return ErrorUnknown
	}
}

func stringField(input map[string]interface{}, name string) (string, bool) {
	v, ok := input[name].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func intField(input map[string]interface{}, name string) (int, bool) {
	switch v := input[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
