// Package generate produces type-correct random values for tracker fields.
// Values holds the primitive producers; SubjectDispatcher and EventDispatcher
// choose a producer for each field descriptor.
package generate

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// DateLayout is the platform's calendar date format.
const DateLayout = "2006-01-02"

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DateRange is an inclusive window for random calendar dates.
type DateRange struct {
	From time.Time
	To   time.Time
}

// ValuesConfig seeds the generators and bounds their date output.
type ValuesConfig struct {
	// Seed 0 picks a random seed.
	Seed       uint64
	BirthDates DateRange
	EventDates DateRange
}

// Values produces primitive random values. It is safe for concurrent use.
type Values struct {
	mu         sync.Mutex
	faker      *gofakeit.Faker
	birthDates DateRange
	eventDates DateRange
}

// NewValues returns a generator seeded from cfg.
func NewValues(cfg ValuesConfig) *Values {
	return &Values{
		faker:      gofakeit.New(cfg.Seed),
		birthDates: cfg.BirthDates,
		eventDates: cfg.EventDates,
	}
}

// PersonName returns "First Last".
func (v *Values) PersonName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.faker.FirstName() + " " + v.faker.LastName()
}

// Email returns an address built from a random name at EmailDomain.
func (v *Values) Email() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	local := strings.ToLower(v.faker.FirstName() + "." + v.faker.LastName())
	return local + "@" + EmailDomain
}

// Bool returns "true" or "false" with equal probability.
func (v *Values) Bool() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return strconv.FormatBool(v.faker.Bool())
}

// Number returns an integer in [0,100).
func (v *Values) Number() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return strconv.Itoa(v.faker.IntN(100))
}

// Pick returns one element of options chosen uniformly. options must be
// non-empty.
func (v *Values) Pick(options []string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return options[v.faker.IntN(len(options))]
}

// Index returns an integer in [0,n).
func (v *Values) Index(n int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.faker.IntN(n)
}

// StructuredToken returns a DD-DD-DDDD-DDDD numeric code.
func (v *Values) StructuredToken() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.faker.Numerify("##-##-####-####")
}

// ShortToken returns an 8 character uppercase alphanumeric token. Collisions
// are possible; the platform rejects them and the run can be repeated.
func (v *Values) ShortToken() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var b strings.Builder
	b.Grow(8)
	for i := 0; i < 8; i++ {
		b.WriteByte(tokenAlphabet[v.faker.IntN(len(tokenAlphabet))])
	}
	return b.String()
}

// FreeText returns a short sentence of filler words.
func (v *Values) FreeText() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.faker.Sentence(3 + v.faker.IntN(6))
}

// BirthDate returns a date inside the configured birth window.
func (v *Values) BirthDate() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dateIn(v.birthDates)
}

// EventDate returns a date inside the configured event window.
func (v *Values) EventDate() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dateIn(v.eventDates)
}

// Duration returns a random duration in [0,max).
func (v *Values) Duration(max time.Duration) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	if max <= 0 {
		return 0
	}
	return time.Duration(v.faker.IntN(int(max)))
}

func (v *Values) dateIn(r DateRange) string {
	if !r.To.After(r.From) {
		return r.From.Format(DateLayout)
	}
	return v.faker.DateRange(r.From, r.To).Format(DateLayout)
}
