package healthz

import (
	"net/http/httptest"
	"testing"
)

type fakeStatus struct {
	robot, cloud bool
}

func (f *fakeStatus) RobotConnected() bool { return f.robot }
func (f *fakeStatus) CloudConnected() bool { return f.cloud }

func TestHealthzAlwaysOK(t *testing.T) {
	s := New(":0", nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)
	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzNotReadyBeforeSetReady(t *testing.T) {
	s := New(":0", &fakeStatus{robot: true, cloud: true})
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, req)
	if rec.Code != 503 {
		t.Errorf("expected 503 before SetReady(true), got %d", rec.Code)
	}
}

func TestReadyzRequiresRobotConnected(t *testing.T) {
	status := &fakeStatus{robot: false, cloud: false}
	s := New(":0", status)
	s.SetReady(true)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, req)
	if rec.Code != 503 {
		t.Errorf("expected 503 when robot not connected, got %d", rec.Code)
	}

	status.robot = true
	rec = httptest.NewRecorder()
	s.handleReadyz(rec, req)
	if rec.Code != 200 {
		t.Errorf("expected 200 once robot connected, got %d", rec.Code)
	}
}
