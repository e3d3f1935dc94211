package devicetrust

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"log/slog"
)

var ErrUnknownDevice = errors.New("unknown device")

const (
	initialTrust       = 0.5
	successTrustNudge  = 0.01
	failureTrustNudge  = 0.05
	failureStreakAlarm = 3

	RiskFactorFailedLogins = "multiple_failed_logins"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// DeviceInfo is the attribute tuple a fingerprint is derived from. Field
// order in Fingerprint is fixed; reordering changes every derived hash.
type DeviceInfo struct {
	UserAgent        string
	Platform         string
	ScreenResolution string
	Timezone         string
	Language         string
	Plugins          []string
	Fonts            []string
	CanvasHash       string
	WebGLHash        string
}

func Fingerprint(info DeviceInfo) string {
	parts := []string{
		info.UserAgent,
		info.Platform,
		info.ScreenResolution,
		info.Timezone,
		info.Language,
		strings.Join(info.Plugins, ","),
		strings.Join(info.Fonts, ","),
		info.CanvasHash,
		info.WebGLHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type Device struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Fingerprint  string
	TrustScore   float64
	FirstSeen    time.Time
	LastSeen     time.Time
	LoginCount   int
	FailedStreak int
	LoginHours   map[int]int
	Locations    []string
	RiskFactors  []string
	Verified     bool
}

func (d *Device) clone() *Device {
	cp := *d
	cp.LoginHours = make(map[int]int, len(d.LoginHours))
	for h, n := range d.LoginHours {
		cp.LoginHours[h] = n
	}
	cp.Locations = append([]string(nil), d.Locations...)
	cp.RiskFactors = append([]string(nil), d.RiskFactors...)
	return &cp
}

func (d *Device) hasRiskFactor(factor string) bool {
	for _, f := range d.RiskFactors {
		if f == factor {
			return true
		}
	}
	return false
}

func (d *Device) hasLocation(location string) bool {
	for _, l := range d.Locations {
		if l == location {
			return true
		}
	}
	return false
}

// Engine tracks devices and their trust. Lookups go through a
// fingerprint-to-id index, never a scan. Unknown devices are treated as
// maximal risk; that fail-closed default is the opposite of the quota
// enforcer's unknown-rule policy and both are intentional.
type Engine struct {
	mu            sync.RWMutex
	devices       map[uuid.UUID]*Device
	byFingerprint map[string]uuid.UUID
	logger        *slog.Logger
	Clock         Clock
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		devices:       make(map[uuid.UUID]*Device),
		byFingerprint: make(map[string]uuid.UUID),
		logger:        logger,
		Clock:         systemClock{},
	}
}

// Register creates a device on first sighting, or returns the existing one
// when the fingerprint is already known.
func (e *Engine) Register(userID uuid.UUID, info DeviceInfo) *Device {
	fp := Fingerprint(info)

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byFingerprint[fp]; ok {
		device := e.devices[id]
		device.LastSeen = e.Clock.Now()
		return device.clone()
	}

	now := e.Clock.Now()
	device := &Device{
		ID:          uuid.New(),
		UserID:      userID,
		Fingerprint: fp,
		TrustScore:  initialTrust,
		FirstSeen:   now,
		LastSeen:    now,
		LoginHours:  make(map[int]int),
	}
	e.devices[device.ID] = device
	e.byFingerprint[fp] = device.ID

	e.logger.Info("device registered", "device_id", device.ID.String(), "user_id", userID.String())
	return device.clone()
}

// Identify resolves a device by fingerprint equality in O(1).
func (e *Engine) Identify(info DeviceInfo) (*Device, bool) {
	fp := Fingerprint(info)

	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.byFingerprint[fp]
	if !ok {
		return nil, false
	}
	return e.devices[id].clone(), true
}

func (e *Engine) Get(id uuid.UUID) (*Device, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	device, ok := e.devices[id]
	if !ok {
		return nil, false
	}
	return device.clone(), true
}

// LoginFlag reports a risk signal raised while recording a login.
type LoginFlag struct {
	Type     string
	Severity RiskLevel
}

// RecordLogin updates the device for one attempt. A failure streak of three
// raises a high-severity flag and pins a lasting risk factor on the device.
func (e *Engine) RecordLogin(deviceID uuid.UUID, success bool, location string) (*Device, *LoginFlag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	device, ok := e.devices[deviceID]
	if !ok {
		return nil, nil, ErrUnknownDevice
	}

	now := e.Clock.Now()
	device.LastSeen = now

	if success {
		device.LoginCount++
		device.FailedStreak = 0
		device.LoginHours[now.Hour()]++
		if location != "" && !device.hasLocation(location) {
			device.Locations = append(device.Locations, location)
		}
		device.TrustScore = clamp(device.TrustScore + successTrustNudge)
		return device.clone(), nil, nil
	}

	device.FailedStreak++
	device.TrustScore = clamp(device.TrustScore - failureTrustNudge)

	var flag *LoginFlag
	if device.FailedStreak >= failureStreakAlarm {
		if !device.hasRiskFactor(RiskFactorFailedLogins) {
			device.RiskFactors = append(device.RiskFactors, RiskFactorFailedLogins)
		}
		flag = &LoginFlag{Type: RiskFactorFailedLogins, Severity: RiskHigh}
		e.logger.Warn("failed login streak",
			"device_id", deviceID.String(),
			"streak", device.FailedStreak,
		)
	}
	return device.clone(), flag, nil
}

// CompositeScore recomputes trust from device history: account age, login
// volume, failure streak, verification, and accumulated risk factors.
func (e *Engine) CompositeScore(deviceID uuid.UUID) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	device, ok := e.devices[deviceID]
	if !ok {
		return 0, ErrUnknownDevice
	}

	score := 0.3
	age := e.Clock.Now().Sub(device.FirstSeen)
	if age > 7*24*time.Hour {
		score += 0.1
	}
	if age > 30*24*time.Hour {
		score += 0.1
	}
	if device.LoginCount > 5 {
		score += 0.05
	}
	if device.LoginCount > 10 {
		score += 0.05
	}
	if device.LoginCount > 50 {
		score += 0.1
	}
	if device.FailedStreak == 0 {
		score += 0.1
	}
	if device.Verified {
		score += 0.15
	}
	score -= 0.05 * float64(len(device.RiskFactors))

	return clamp(score), nil
}

func (e *Engine) MarkVerified(deviceID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	device, ok := e.devices[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	device.Verified = true
	return nil
}

type Activity struct {
	At       time.Time
	Location string
}

type Assessment struct {
	Anomalous bool
	Anomalies []string
	RiskLevel RiskLevel
}

// AnalyzePattern flags deviations from the device's login history. An
// unknown device id yields the maximal-risk assessment.
func (e *Engine) AnalyzePattern(deviceID uuid.UUID, activity Activity) Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	device, ok := e.devices[deviceID]
	if !ok {
		return Assessment{
			Anomalous: true,
			Anomalies: []string{"unknown_device"},
			RiskLevel: RiskHigh,
		}
	}

	var anomalies []string
	if device.LoginCount >= 10 {
		if _, seen := device.LoginHours[activity.At.Hour()]; !seen {
			anomalies = append(anomalies, "unusual_login_hour")
		}
	}
	if activity.Location != "" && !device.hasLocation(activity.Location) {
		anomalies = append(anomalies, "new_location")
	}
	if device.TrustScore < 0.3 {
		anomalies = append(anomalies, "low_trust_score")
	}
	if device.FailedStreak > 0 {
		anomalies = append(anomalies, "active_failure_streak")
	}

	level := RiskLow
	switch {
	case len(anomalies) >= 3 || device.TrustScore < 0.2:
		level = RiskHigh
	case len(anomalies) >= 2 || device.TrustScore < 0.5:
		level = RiskMedium
	}

	return Assessment{
		Anomalous: len(anomalies) > 0,
		Anomalies: anomalies,
		RiskLevel: level,
	}
}

// RequireAdditionalVerification reports whether a step-up challenge is
// warranted. Unknown devices always require it.
func (e *Engine) RequireAdditionalVerification(deviceID uuid.UUID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	device, ok := e.devices[deviceID]
	if !ok {
		return true
	}
	if device.TrustScore < 0.5 {
		return true
	}
	if !device.Verified {
		return true
	}
	if device.FailedStreak > 0 {
		return true
	}
	if e.Clock.Now().Sub(device.LastSeen) > 30*24*time.Hour {
		return true
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
