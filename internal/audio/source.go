package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// Control characteristic UUIDs, fixed by the wearable device's firmware.
const (
	controlTXUUID = "1234a003-1234-5678-1234-56789abcdef0"
	controlRXUUID = "1234a002-1234-5678-1234-56789abcdef0"
)

// Control values the device reports over the control TX characteristic.
const (
	respSpeechStart byte = 0x01
	respSpeechEnd   byte = 0x02
)

// Commands this node writes to the device's control RX characteristic.
const (
	cmdStartRecording byte = 10
	cmdEndRecording   byte = 12
)

// scanInterval is how often the adapter is polled for newly visible
// peripherals carrying the configured audio service UUID.
const scanInterval = 2 * time.Second

// Source is the BLE audio ingest state machine (Disconnected →
// Connecting → ServiceDiscovery → Subscribed → Streaming per device). It
// decodes incoming opus bundles and feeds PCM chunks to a Buffer, and
// flips the shared recording flag in response to the device's push-to-talk
// control byte.
type Source struct {
	serviceUUID bluetooth.UUID
	audioUUID   bluetooth.UUID

	adapter   *bluetooth.Adapter
	decoder   *BundleDecoder
	chunks    chan Chunk
	recording *atomic.Bool
	connected sync.Map // local name -> struct{}
	logger    *slog.Logger
}

// NewSource builds a Source for the given service/audio characteristic
// UUID pair. The returned Chunk channel carries decoded PCM from every
// connected device; the returned recording flag is shared with a Buffer.
func NewSource(serviceUUID, audioCharUUID string, logger *slog.Logger) (*Source, <-chan Chunk, *atomic.Bool, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing audio service uuid: %w", err)
	}
	audUUID, err := bluetooth.ParseUUID(audioCharUUID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing audio characteristic uuid: %w", err)
	}

	decoder, err := NewBundleDecoder(logger)
	if err != nil {
		return nil, nil, nil, err
	}

	var recording atomic.Bool

	s := &Source{
		serviceUUID: svcUUID,
		audioUUID:   audUUID,
		adapter:     bluetooth.DefaultAdapter,
		decoder:     decoder,
		chunks:      make(chan Chunk, 32),
		recording:   &recording,
		logger:      logger.With("component", "audio-source"),
	}

	return s, s.chunks, &recording, nil
}

// Run scans for and connects to wearable devices until done is closed.
// Each discovered device is handed its own goroutine for service discovery,
// subscription, and the push-to-talk control protocol.
func (s *Source) Run(done <-chan struct{}) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling BLE adapter: %w", err)
	}

	s.logger.Info("scanning for wearable devices", "service_uuid", s.serviceUUID.String())

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

func (s *Source) scanOnce() {
	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(s.serviceUUID) {
			return
		}
		name := result.LocalName()
		if _, already := s.connected.LoadOrStore(name, struct{}{}); already {
			return
		}

		adapter.StopScan()
		go func() {
			if err := s.connectDevice(result); err != nil {
				s.logger.Warn("failed to connect wearable device", "device", name, "error", err)
				s.connected.Delete(name)
			}
		}()
	})
	if err != nil {
		s.logger.Warn("ble scan failed", "error", err)
	}
}

func (s *Source) connectDevice(result bluetooth.ScanResult) error {
	name := result.LocalName()
	logger := s.logger.With("device", name)

	device, err := s.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	logger.Info("connected to wearable device")

	services, err := device.DiscoverServices([]bluetooth.UUID{s.serviceUUID})
	if err != nil {
		return fmt.Errorf("discovering services: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("audio service not found")
	}

	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("discovering characteristics: %w", err)
	}

	var audioChar, controlTX, controlRX *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case s.audioUUID:
			audioChar = &chars[i]
		case mustParseUUID(controlTXUUID):
			controlTX = &chars[i]
		case mustParseUUID(controlRXUUID):
			controlRX = &chars[i]
		}
	}
	if audioChar == nil {
		return fmt.Errorf("audio characteristic not found")
	}

	if err := s.subscribeAudio(*audioChar, logger); err != nil {
		return fmt.Errorf("subscribing to audio: %w", err)
	}
	if controlTX != nil {
		if err := s.subscribeControl(*controlTX, logger); err != nil {
			logger.Warn("failed to subscribe to control characteristic", "error", err)
		}
	}
	if controlRX != nil {
		if _, err := controlRX.WriteWithoutResponse([]byte{cmdStartRecording}); err != nil {
			logger.Warn("failed to send start-recording command", "error", err)
		} else {
			s.recording.Store(true)
		}
	}

	return nil
}

func (s *Source) subscribeAudio(char bluetooth.DeviceCharacteristic, logger *slog.Logger) error {
	return char.EnableNotifications(func(value []byte) {
		samples, err := s.decoder.Decode(value)
		if err != nil {
			logger.Debug("bundle decode error", "error", err)
			return
		}
		if len(samples) == 0 {
			return
		}
		select {
		case s.chunks <- Chunk{Samples: samples}:
		default:
			logger.Warn("audio chunk dropped, buffer behind")
		}
	})
}

func (s *Source) subscribeControl(char bluetooth.DeviceCharacteristic, logger *slog.Logger) error {
	var last byte
	var lastSet bool

	return char.EnableNotifications(func(value []byte) {
		if len(value) == 0 {
			return
		}
		v := value[0]
		if lastSet && v == last {
			return // debounce duplicate notifications
		}
		last, lastSet = v, true

		switch v {
		case respSpeechStart:
			if !s.recording.Load() {
				logger.Info("push-to-talk pressed, starting recording")
				s.recording.Store(true)
			}
		case respSpeechEnd:
			if s.recording.Load() {
				logger.Info("push-to-talk pressed again, stopping recording")
				s.recording.Store(false)
			}
		default:
			logger.Debug("unrecognized control byte", "value", v)
		}
	})
}

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("invalid fixed control uuid %q: %v", s, err))
	}
	return u
}
