package devicetrust

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func testInfo() DeviceInfo {
	return DeviceInfo{
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64)",
		Platform:         "Linux",
		ScreenResolution: "2560x1440",
		Timezone:         "Europe/Berlin",
		Language:         "en-US",
		Plugins:          []string{"pdf"},
		Fonts:            []string{"Inter", "JetBrains Mono"},
		CanvasHash:       "c4nv4s",
		WebGLHash:        "w3bgl",
	}
}

func closeTo(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func newTestEngine() (*Engine, *fixedClock) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)}
	e := NewEngine(nil)
	e.Clock = clock
	return e, clock
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(testInfo())
	b := Fingerprint(testInfo())
	if a != b {
		t.Fatalf("same attributes must produce the same fingerprint")
	}

	other := testInfo()
	other.Timezone = "America/New_York"
	if Fingerprint(other) == a {
		t.Fatalf("different attributes must produce a different fingerprint")
	}
}

func TestRegisterAndIdentify(t *testing.T) {
	e, _ := newTestEngine()
	userID := uuid.New()

	device := e.Register(userID, testInfo())
	if device.TrustScore != initialTrust {
		t.Fatalf("new devices start at trust %v, got %v", initialTrust, device.TrustScore)
	}

	again := e.Register(userID, testInfo())
	if again.ID != device.ID {
		t.Fatalf("re-registering the same fingerprint must return the existing device")
	}

	found, ok := e.Identify(testInfo())
	if !ok || found.ID != device.ID {
		t.Fatalf("identify by fingerprint failed")
	}

	if _, ok := e.Identify(DeviceInfo{UserAgent: "other"}); ok {
		t.Fatalf("unknown fingerprint must not identify")
	}
}

func TestFailedLoginStreak(t *testing.T) {
	e, _ := newTestEngine()
	device := e.Register(uuid.New(), testInfo())
	before := device.TrustScore

	var flag *LoginFlag
	for i := 0; i < 3; i++ {
		var err error
		device, flag, err = e.RecordLogin(device.ID, false, "")
		if err != nil {
			t.Fatalf("record login: %v", err)
		}
		if i < 2 && flag != nil {
			t.Fatalf("flag must not fire before the third failure")
		}
	}

	if flag == nil || flag.Type != RiskFactorFailedLogins || flag.Severity != RiskHigh {
		t.Fatalf("expected high-severity flag on third failure, got %+v", flag)
	}
	if drop := before - device.TrustScore; drop < 0.15-1e-9 {
		t.Fatalf("trust must drop at least 0.15 over the streak, dropped %v", drop)
	}
	if !device.hasRiskFactor(RiskFactorFailedLogins) {
		t.Fatalf("risk factor must be recorded on the device")
	}

	// A success resets the streak.
	device, _, err := e.RecordLogin(device.ID, true, "DE")
	if err != nil {
		t.Fatalf("record login: %v", err)
	}
	if device.FailedStreak != 0 {
		t.Fatalf("success must reset the failure streak")
	}
	if device.LoginCount != 1 || len(device.Locations) != 1 {
		t.Fatalf("success must record login count and location")
	}
}

func TestRecordLoginUnknownDevice(t *testing.T) {
	e, _ := newTestEngine()
	if _, _, err := e.RecordLogin(uuid.New(), true, ""); err != ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCompositeScore(t *testing.T) {
	e, clock := newTestEngine()
	device := e.Register(uuid.New(), testInfo())

	// Fresh device: base 0.3 + zero-failure bonus 0.1.
	score, err := e.CompositeScore(device.ID)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !closeTo(score, 0.4) {
		t.Fatalf("expected 0.4 for a fresh device, got %v", score)
	}

	for i := 0; i < 12; i++ {
		if _, _, err := e.RecordLogin(device.ID, true, "DE"); err != nil {
			t.Fatalf("record login: %v", err)
		}
	}
	if err := e.MarkVerified(device.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	clock.now = clock.now.Add(40 * 24 * time.Hour)

	// 0.3 + age 0.2 + logins 0.1 + zero-failure 0.1 + verified 0.15.
	score, _ = e.CompositeScore(device.ID)
	if !closeTo(score, 0.85) {
		t.Fatalf("expected 0.85, got %v", score)
	}

	if _, err := e.CompositeScore(uuid.New()); err != ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestAnalyzePattern(t *testing.T) {
	e, clock := newTestEngine()
	device := e.Register(uuid.New(), testInfo())

	// Build a history: 10 logins at 14:00 from DE.
	for i := 0; i < 10; i++ {
		if _, _, err := e.RecordLogin(device.ID, true, "DE"); err != nil {
			t.Fatalf("record login: %v", err)
		}
	}

	// Familiar hour and location: nothing anomalous.
	res := e.AnalyzePattern(device.ID, Activity{At: clock.now, Location: "DE"})
	if res.Anomalous {
		t.Fatalf("expected clean assessment, got %+v", res)
	}

	// 03:00 from a new country: two anomalies, medium risk.
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	res = e.AnalyzePattern(device.ID, Activity{At: night, Location: "VN"})
	if !res.Anomalous || len(res.Anomalies) != 2 || res.RiskLevel != RiskMedium {
		t.Fatalf("expected 2 anomalies at medium risk, got %+v", res)
	}
}

func TestAnalyzePatternUnknownDeviceFailsClosed(t *testing.T) {
	e, _ := newTestEngine()
	res := e.AnalyzePattern(uuid.New(), Activity{At: time.Now()})
	if !res.Anomalous || res.RiskLevel != RiskHigh {
		t.Fatalf("unknown device must assess as maximal risk, got %+v", res)
	}
}

func TestRequireAdditionalVerification(t *testing.T) {
	e, clock := newTestEngine()

	if !e.RequireAdditionalVerification(uuid.New()) {
		t.Fatalf("unknown device always requires verification")
	}

	device := e.Register(uuid.New(), testInfo())
	if !e.RequireAdditionalVerification(device.ID) {
		t.Fatalf("unverified device at trust 0.5 requires verification")
	}

	if err := e.MarkVerified(device.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := e.RecordLogin(device.ID, true, "DE"); err != nil {
			t.Fatalf("record login: %v", err)
		}
	}
	if e.RequireAdditionalVerification(device.ID) {
		t.Fatalf("verified, trusted, recently active device should pass")
	}

	clock.now = clock.now.Add(31 * 24 * time.Hour)
	if !e.RequireAdditionalVerification(device.ID) {
		t.Fatalf("a device idle for over 30 days requires verification")
	}
}
