package clients

import (
	"fmt"
	"time"
)

const unknownSign = "unknown"

// signStarts lists the first day of each tropical sun sign in calendar order. Dates before January 20 are Capricorn.
var signStarts = []struct {
	month time.Month
	day   int
	sign  string
}{
	{time.January, 20, "Aquarius"},
	{time.February, 19, "Pisces"},
	{time.March, 21, "Aries"},
	{time.April, 20, "Taurus"},
	{time.May, 21, "Gemini"},
	{time.June, 21, "Cancer"},
	{time.July, 23, "Leo"},
	{time.August, 23, "Virgo"},
	{time.September, 23, "Libra"},
	{time.October, 23, "Scorpio"},
	{time.November, 22, "Sagittarius"},
	{time.December, 22, "Capricorn"},
}

// SunSign returns the tropical sun sign of the calendar date of t.
func SunSign(t time.Time) string {
	sign := "Capricorn"
	for _, s := range signStarts {
		if t.Month() > s.month || (t.Month() == s.month && t.Day() >= s.day) {
			sign = s.sign
		}
	}
	return sign
}

// FallbackChart is served when the chart provider cannot be reached. Only the sun sign is derivable locally.
func FallbackChart(d BirthDetails) Chart {
	return Chart{
		Sun:       SunSign(d.Datetime),
		Moon:      unknownSign,
		Ascendant: unknownSign,
		Fallback:  true,
	}
}

// FallbackGuidance is served when the language model cannot be reached.
func FallbackGuidance(sun string, day string) Guidance {
	text := "Take a quiet moment for yourself today. Small, steady steps count."
	if sun != "" && sun != unknownSign {
		text = fmt.Sprintf("%s, take a quiet moment for yourself today. Small, steady steps count.", sun)
	}
	return Guidance{Text: text, Date: day, Fallback: true}
}
