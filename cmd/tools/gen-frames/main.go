// Command gen-frames sends synthetic detector frames over UDP for testing
// the inspection server without a camera line.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/banshee-data/bottle.report/internal/inspect"
	"github.com/banshee-data/bottle.report/internal/track"
)

// defectTypes weights roughly match a healthy line: mostly good bottles.
var defectTypes = []string{
	"good", "good", "good", "good", "good", "good", "good",
	"low_water", "no_cap", "no_label",
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9900", "inspection server frame address")
	bottles := flag.Int("n", 20, "number of bottles to simulate")
	width := flag.Int("width", 640, "frame width")
	height := flag.Int("height", 480, "frame height")
	step := flag.Int("step", 12, "pixels a bottle advances per frame")
	interval := flag.Duration("interval", 33*time.Millisecond, "delay between frames")
	flag.Parse()

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	for b := 0; b < *bottles; b++ {
		defectType := defectTypes[rand.Intn(len(defectTypes))]
		y := *height/2 - 60

		// Walk one bottle left to right across the whole frame.
		for x := 0; x < *width; x += *step {
			frame := inspect.Frame{
				Width:  *width,
				Height: *height,
				Observations: []inspect.Observation{{
					BBox:       track.BBox{X: x, Y: y, W: 40, H: 120},
					Confidence: 0.85 + rand.Float64()*0.14,
					DefectType: defectType,
				}},
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Fatalf("failed to marshal frame: %v", err)
			}
			if _, err := conn.Write(payload); err != nil {
				log.Fatalf("failed to send frame: %v", err)
			}
			time.Sleep(*interval)
		}

		log.Printf("%d/%d bottles (%s)", b+1, *bottles, defectType)
	}
	log.Printf("✓ Sent %d bottles to %s", *bottles, *addr)
}
