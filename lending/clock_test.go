package lending_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crediario/lending-engine/lending"
)

func TestAddBusinessDays(t *testing.T) {
	friday := date(2025, time.March, 7)

	assert.Equal(t, date(2025, time.March, 10), lending.AddBusinessDays(friday, 1, true), "Friday + 1 skips the weekend")
	assert.Equal(t, date(2025, time.March, 8), lending.AddBusinessDays(friday, 1, false), "calendar stepping lands on Saturday")
	assert.Equal(t, date(2025, time.March, 14), lending.AddBusinessDays(friday, 5, true), "a full business week")
	assert.Equal(t, friday, lending.AddBusinessDays(friday, 0, true))
}

func TestNextWeekday(t *testing.T) {
	assert.Equal(t, date(2025, time.March, 10), lending.NextWeekday(date(2025, time.March, 8)), "Saturday rolls to Monday")
	assert.Equal(t, date(2025, time.March, 10), lending.NextWeekday(date(2025, time.March, 9)), "Sunday rolls to Monday")
	assert.Equal(t, date(2025, time.March, 7), lending.NextWeekday(date(2025, time.March, 7)), "Friday stays put")
}

func TestDaysLate(t *testing.T) {
	due := date(2025, time.April, 1)

	assert.Equal(t, -12, lending.DaysLate(due, date(2025, time.March, 20)), "negative before the due date")
	assert.Equal(t, 0, lending.ClampDays(lending.DaysLate(due, date(2025, time.March, 20))))
	assert.Equal(t, 0, lending.DaysLate(due, due), "due day itself is not late")
	assert.Equal(t, 9, lending.DaysLate(due, date(2025, time.April, 10)))
}

func TestDateOnly_NormalizesToUTCMidnight(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	stamped := time.Date(2025, time.April, 10, 23, 45, 12, 0, loc)

	got := lending.DateOnly(stamped)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 10, got.Day())
	assert.Equal(t, 0, got.Hour())
}
