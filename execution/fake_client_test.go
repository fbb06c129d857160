package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/sundial-hq/sundial/remote"
)

// fakeClient is an in-memory remote.Client for tests.
type fakeClient struct {
	mu          sync.Mutex
	submitFn    func(req remote.SubmitRequest) (*remote.SubmitResponse, error)
	statusFn    func(remoteID string) (*remote.StatusResponse, error)
	resultFn    func(location string) ([]byte, error)
	submitted   []remote.SubmitRequest
	statusCalls int
}

func (f *fakeClient) Submit(_ context.Context, req remote.SubmitRequest) (*remote.SubmitResponse, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	fn := f.submitFn
	n := len(f.submitted)
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &remote.SubmitResponse{RemoteID: fmt.Sprintf("rex_%d", n)}, nil
}

func (f *fakeClient) GetStatus(_ context.Context, remoteID, _, _ string) (*remote.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()
	if fn != nil {
		return fn(remoteID)
	}
	return &remote.StatusResponse{Status: remote.StatusRunning}, nil
}

func (f *fakeClient) FetchResult(_ context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	fn := f.resultFn
	f.mu.Unlock()
	if fn != nil {
		return fn(location)
	}
	return []byte(`{"rows":[]}`), nil
}
