package server

import (
	"fmt"
	"math"

	"github.com/rgov/foxglove-studio/internal/source"
	"github.com/rgov/foxglove-studio/internal/timeutil"
)

// demoSource builds a synthetic 60 second recording so the server is usable
// without a recording on disk: an IMU stream at 20 Hz, a GPS fix at 1 Hz and
// a sparse status topic.
func demoSource() *source.MemorySource {
	topics := []source.Topic{
		{Name: "/imu", Datatype: "demo/Imu"},
		{Name: "/gps", Datatype: "demo/NavSatFix"},
		{Name: "/status", Datatype: "demo/Status"},
	}

	var events []*source.MessageEvent
	const durationSec = 60

	for ms := int64(0); ms < durationSec*1000; ms += 50 {
		t := float64(ms) / 1000.0
		payload := fmt.Sprintf(`{"accel":[%.4f,%.4f,9.81],"gyro":[0,0,%.4f]}`,
			math.Sin(t*2.0), math.Cos(t*2.0), math.Sin(t/3.0))
		events = append(events, &source.MessageEvent{
			Topic:       "/imu",
			ReceiveTime: timeutil.FromMillis(ms),
			Message:     []byte(payload),
			SizeInBytes: int64(len(payload)),
		})
	}
	for s := int64(0); s < durationSec; s++ {
		t := float64(s)
		payload := fmt.Sprintf(`{"lat":%.6f,"lon":%.6f}`, 37.7749+t*1e-5, -122.4194+t*2e-5)
		events = append(events, &source.MessageEvent{
			Topic:       "/gps",
			ReceiveTime: timeutil.Time{Sec: s},
			Message:     []byte(payload),
			SizeInBytes: int64(len(payload)),
		})
	}
	for s := int64(0); s < durationSec; s += 5 {
		payload := fmt.Sprintf(`{"battery":%.1f,"ok":true}`, 100.0-float64(s)*0.5)
		events = append(events, &source.MessageEvent{
			Topic:       "/status",
			ReceiveTime: timeutil.Time{Sec: s},
			Message:     []byte(payload),
			SizeInBytes: int64(len(payload)),
		})
	}

	src := source.NewMemorySource(topics, events)
	src.SetRange(timeutil.Time{}, timeutil.Time{Sec: durationSec})
	return src
}
