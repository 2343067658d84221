package system

import (
	"math/rand"
	"slices"
	"time"

	"github.com/l1jgo/worldshard/internal/core/event"
	coresys "github.com/l1jgo/worldshard/internal/core/system"
	"go.uber.org/zap"
)

// Weather values: 0 clear, 1-3 snow, 17-19 rain, by intensity.
type Weather uint8

const (
	WeatherClear Weather = 0
	WeatherSnow  Weather = 1
	WeatherRain  Weather = 17
)

func (w Weather) Snow() bool { return w >= WeatherSnow && w < WeatherSnow+3 }
func (w Weather) Rain() bool { return w >= WeatherRain && w < WeatherRain+3 }

func (w Weather) String() string {
	switch {
	case w == WeatherClear:
		return "clear"
	case w.Snow():
		return "snow"
	case w.Rain():
		return "rain"
	}
	return "unknown"
}

type intner interface {
	Intn(n int) int
}

// nextWeather rolls a zone's next state. Clear skies stay clear 60% of the
// time; precipitation fades one intensity step on the same roll.
func nextWeather(cur Weather, r intner) Weather {
	roll := r.Intn(10)
	if roll < 6 {
		if (cur.Snow() && cur > WeatherSnow) || (cur.Rain() && cur > WeatherRain) {
			return cur - 1
		}
		return WeatherClear
	}
	if roll < 8 {
		return WeatherSnow + Weather(r.Intn(3))
	}
	return WeatherRain + Weather(r.Intn(3))
}

// WeatherSystem re-rolls the weather of every tracked zone once per period
// and emits WeatherChanged for each zone that changed. Phase 3 (Environment).
type WeatherSystem struct {
	period  time.Duration
	elapsed time.Duration
	rng     intner
	bus     *event.Bus
	log     *zap.Logger
	zones   map[uint32]Weather
}

// NewWeatherSystem seeds from rng; a nil rng uses a time-seeded source.
func NewWeatherSystem(period time.Duration, rng *rand.Rand, bus *event.Bus, log *zap.Logger) *WeatherSystem {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &WeatherSystem{
		period: period,
		rng:    rng,
		bus:    bus,
		log:    log,
		zones:  make(map[uint32]Weather),
	}
}

func (s *WeatherSystem) Phase() coresys.Phase { return coresys.PhaseEnvironment }

// Track starts weather for zone, clear at first.
func (s *WeatherSystem) Track(zones ...uint32) {
	for _, z := range zones {
		if _, ok := s.zones[z]; !ok {
			s.zones[z] = WeatherClear
		}
	}
}

// Weather returns zone's current weather; untracked zones are clear.
func (s *WeatherSystem) Weather(zone uint32) Weather { return s.zones[zone] }

func (s *WeatherSystem) Update(dt time.Duration) {
	if s.period <= 0 || len(s.zones) == 0 {
		return
	}
	s.elapsed += dt
	if s.elapsed < s.period {
		return
	}
	s.elapsed -= s.period

	// sorted so a seeded rng reproduces the same sequence
	zones := make([]uint32, 0, len(s.zones))
	for z := range s.zones {
		zones = append(zones, z)
	}
	slices.Sort(zones)

	for _, z := range zones {
		cur := s.zones[z]
		next := nextWeather(cur, s.rng)
		if next == cur {
			continue
		}
		s.zones[z] = next
		if s.bus != nil {
			event.Emit(s.bus, event.WeatherChanged{Zone: z, From: uint8(cur), To: uint8(next)})
		}
		s.log.Debug("weather changed",
			zap.Uint32("zone", z), zap.Stringer("from", cur), zap.Stringer("to", next))
	}
}
