package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var largeWithdrawalThreshold = decimal.NewFromInt(10000)

const lowTrustThreshold = 0.3

// Activity is a snapshot of one user action as seen at the boundary.
// Zero values mean "not observed"; DeviceTrust uses a pointer so that a
// legitimate score of 0 is distinguishable from absence.
type Activity struct {
	Location         string
	UsualLocation    string
	FailedLogins     int
	WithdrawalAmount decimal.Decimal
	DeviceTrust      *float64
}

// DetectAnomalies runs the rule table over an activity snapshot and raises
// one alert per matched rule.
func (d *Dispatcher) DetectAnomalies(ctx context.Context, userID string, activity Activity) ([]*Alert, error) {
	var raised []*Alert

	if activity.Location != "" && activity.UsualLocation != "" && activity.Location != activity.UsualLocation {
		alert, err := d.Create(ctx, userID, "location_mismatch", SeverityMedium,
			"Login from unusual location",
			fmt.Sprintf("Activity from %s, usually %s", activity.Location, activity.UsualLocation),
			map[string]string{"location": activity.Location, "usual_location": activity.UsualLocation})
		if err != nil {
			return raised, err
		}
		raised = append(raised, alert)
	}

	if activity.FailedLogins >= 3 {
		alert, err := d.Create(ctx, userID, "failed_login_attempts", SeverityHigh,
			"Multiple failed login attempts",
			fmt.Sprintf("%d consecutive failed logins", activity.FailedLogins),
			map[string]string{"failed_logins": fmt.Sprintf("%d", activity.FailedLogins)})
		if err != nil {
			return raised, err
		}
		raised = append(raised, alert)
	}

	if activity.WithdrawalAmount.GreaterThan(largeWithdrawalThreshold) {
		alert, err := d.Create(ctx, userID, "large_withdrawal", SeverityHigh,
			"Large withdrawal requested",
			fmt.Sprintf("Withdrawal of %s exceeds review threshold", activity.WithdrawalAmount.String()),
			map[string]string{"amount": activity.WithdrawalAmount.String()})
		if err != nil {
			return raised, err
		}
		raised = append(raised, alert)
	}

	if activity.DeviceTrust != nil && *activity.DeviceTrust < lowTrustThreshold {
		alert, err := d.Create(ctx, userID, "untrusted_device", SeverityMedium,
			"Activity from low-trust device",
			fmt.Sprintf("Device trust score %.2f below threshold", *activity.DeviceTrust),
			map[string]string{"trust_score": fmt.Sprintf("%.2f", *activity.DeviceTrust)})
		if err != nil {
			return raised, err
		}
		raised = append(raised, alert)
	}

	return raised, nil
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type Trend struct {
	Days      []DayCount `json:"days"`
	Total     int        `json:"total"`
	Direction string     `json:"direction"`
}

// TrendFor buckets a user's alerts per day over the trailing window and
// classifies the direction by comparing the first and last seven days.
func (d *Dispatcher) TrendFor(userID string, days int) Trend {
	if days <= 0 {
		days = 30
	}
	now := d.Clock.Now().UTC()
	start := now.AddDate(0, 0, -(days - 1))
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)

	counts := make([]int, days)

	d.mu.RLock()
	for _, alert := range d.alerts {
		if alert.UserID != userID {
			continue
		}
		idx := int(alert.CreatedAt.Sub(startDay).Hours() / 24)
		if idx < 0 || idx >= days {
			continue
		}
		counts[idx]++
	}
	d.mu.RUnlock()

	trend := Trend{Days: make([]DayCount, days)}
	for i := 0; i < days; i++ {
		trend.Days[i] = DayCount{
			Date:  startDay.AddDate(0, 0, i).Format("2006-01-02"),
			Count: counts[i],
		}
		trend.Total += counts[i]
	}

	span := 7
	if span > days {
		span = days
	}
	first, last := 0, 0
	for i := 0; i < span; i++ {
		first += counts[i]
		last += counts[days-span+i]
	}
	switch {
	case first == 0 && last == 0:
		trend.Direction = "stable"
	case float64(last) > float64(first)*1.2:
		trend.Direction = "increasing"
	case float64(last) < float64(first)*0.8:
		trend.Direction = "decreasing"
	default:
		trend.Direction = "stable"
	}
	return trend
}
