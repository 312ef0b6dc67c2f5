// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/events"
	"github.com/Thermoquad/clockbox/pkg/firmware"
	"github.com/Thermoquad/clockbox/pkg/flashstore"
	"github.com/Thermoquad/clockbox/pkg/si570"
	"github.com/Thermoquad/clockbox/pkg/twowire"
	"github.com/Thermoquad/clockbox/pkg/twowire/sim"
)

// defaultSimPowerUp is the power-up block of the simulated oscillator.
var defaultSimPowerUp = si570.Registers{0x01, 0xC2, 0xBC, 0x81, 0x83, 0x02}

var (
	serveListen    string
	servePath      string
	serveUsername  string
	serveBus       string
	serveSDA       string
	serveSCL       string
	serveSpeed     string
	serveAddr      uint8
	serve20ppm     bool
	serveSimRegs   string
	serveFlash     string
	serveChecksum  bool
	serveMQTT      string
	serveMQTTTopic string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device runtime",
	Long: `Run the clockbox device: bring the oscillator up from the stored
configuration and answer the command protocol on one or more host channels.

Host channels:
  --port      serial port (the device side of the link)
  --listen    WebSocket server, e.g. :8080 (path set by --path)

Bus backends:
  sim         simulated Si570 on a pin-level bus (default)
  gpio        bit-banged on two GPIO pins via periph.io (--sda, --scl)

The flash page is kept in memory unless --flash names an image file.
Command events can be published to an MQTT broker with --mqtt.

When --ws-username is set, WebSocket clients must authenticate with HTTP Basic
auth; the password is read from CLOCKBOX_PASSWORD.

Examples:
  clockbox serve --listen :8080
  clockbox serve --port /dev/ttyGS0 --bus gpio --sda GPIO2 --scl GPIO3 --flash /var/lib/clockbox.img
  clockbox serve --listen :8080 --mqtt mqtt://broker.local:1883/lab/`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "WebSocket listen address (e.g., :8080)")
	serveCmd.Flags().StringVar(&servePath, "path", "/clockbox", "WebSocket endpoint path")
	serveCmd.Flags().StringVar(&serveUsername, "ws-username", "", "Require HTTP Basic auth with this username")
	serveCmd.Flags().StringVar(&serveBus, "bus", "sim", "Bus backend: sim or gpio")
	serveCmd.Flags().StringVar(&serveSDA, "sda", "", "SDA pin name for --bus gpio")
	serveCmd.Flags().StringVar(&serveSCL, "scl", "", "SCL pin name for --bus gpio")
	serveCmd.Flags().StringVar(&serveSpeed, "speed", "", "Bus clock (e.g., 100kHz); default holds each edge 1µs")
	serveCmd.Flags().Uint8Var(&serveAddr, "addr", si570.DefaultAddr, "Oscillator bus address")
	serveCmd.Flags().BoolVar(&serve20ppm, "20ppm", false, "Registers start at 7 (20/50 ppm parts)")
	serveCmd.Flags().StringVar(&serveSimRegs, "sim-power-up", defaultSimPowerUp.Hex(), "Power-up registers of the simulated oscillator")
	serveCmd.Flags().StringVar(&serveFlash, "flash", "", "Flash image file (CBOR); in-memory when empty")
	serveCmd.Flags().BoolVar(&serveChecksum, "checksum", false, "Store a CRC-16 after the register block")
	serveCmd.Flags().StringVar(&serveMQTT, "mqtt", "", "Publish command events to this broker URL")
	serveCmd.Flags().StringVar(&serveMQTTTopic, "mqtt-device", "", "Device id used in MQTT topics (default: machine id)")
}

func regOffset() uint8 {
	if serve20ppm {
		return si570.RegOffset20ppm
	}
	return si570.RegOffset
}

// openLines builds the bus lines for the selected backend. For the
// simulator the attached chip is returned too.
func openLines() (twowire.Lines, *si570.Chip, error) {
	switch serveBus {
	case "sim":
		powerUp, err := parseBlock(serveSimRegs)
		if err != nil {
			return nil, nil, fmt.Errorf("--sim-power-up: %w", err)
		}
		chip := si570.NewChip(serveAddr, regOffset(), powerUp)
		return sim.NewWire(chip.Target()), chip, nil

	case "gpio":
		if serveSDA == "" || serveSCL == "" {
			return nil, nil, fmt.Errorf("--bus gpio needs --sda and --scl")
		}
		if _, err := host.Init(); err != nil {
			return nil, nil, fmt.Errorf("failed to initialise GPIO host: %w", err)
		}
		sda := gpioreg.ByName(serveSDA)
		if sda == nil {
			return nil, nil, fmt.Errorf("unknown SDA pin %q", serveSDA)
		}
		scl := gpioreg.ByName(serveSCL)
		if scl == nil {
			return nil, nil, fmt.Errorf("unknown SCL pin %q", serveSCL)
		}
		lines, err := twowire.NewPinLines(sda, scl)
		if err != nil {
			return nil, nil, err
		}
		return lines, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown bus backend %q (use sim or gpio)", serveBus)
}

func openBus(lines twowire.Lines) (*twowire.Bus, error) {
	bus := twowire.New(lines,
		twowire.WithName(serveBus),
		twowire.WithLogger(logger.With().Str("component", "bus").Logger()))
	if serveSpeed != "" {
		var f physic.Frequency
		if err := f.Set(serveSpeed); err != nil {
			return nil, fmt.Errorf("invalid --speed %q: %w", serveSpeed, err)
		}
		if err := bus.SetSpeed(f); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

func openStore() (*flashstore.Store, error) {
	var flash flashstore.Flash
	if serveFlash != "" {
		ff, err := flashstore.OpenFileFlash(serveFlash)
		if err != nil {
			return nil, err
		}
		flash = ff
	} else {
		flash = flashstore.NewMemFlash(0, 0)
	}

	opts := []flashstore.Option{flashstore.WithLogger(logger.With().Str("component", "flash").Logger())}
	if serveChecksum {
		opts = append(opts, flashstore.WithChecksum())
	}
	return flashstore.New(flash, opts...), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen == "" && portName == "" {
		return fmt.Errorf("either --port or --listen must be specified")
	}

	lines, chip, err := openLines()
	if err != nil {
		return err
	}
	bus, err := openBus(lines)
	if err != nil {
		return err
	}
	osc := si570.New(bus,
		si570.WithAddr(serveAddr),
		si570.WithRegOffset(regOffset()),
		si570.WithLogger(logger.With().Str("component", "si570").Logger()))

	store, err := openStore()
	if err != nil {
		return err
	}

	observers := []command.Observer{events.LogObserver(logger.With().Str("component", "events").Logger())}
	if serveMQTT != "" {
		var popts []events.PublisherOption
		popts = append(popts, events.WithPublisherLogger(logger.With().Str("component", "mqtt").Logger()))
		if serveMQTTTopic != "" {
			popts = append(popts, events.WithDevice(serveMQTTTopic))
		}
		pub, err := events.DialPublisher(serveMQTT, popts...)
		if err != nil {
			return err
		}
		defer pub.Close()
		observers = append(observers, pub.Observe)
	}

	fw := firmware.New(osc, store,
		firmware.WithObserver(events.Fanout(observers...)),
		firmware.WithLogger(logger.With().Str("component", "firmware").Logger()))

	fmt.Printf("clockbox - Device Runtime\n")
	fmt.Printf("Bus: %s, oscillator at 0x%02X, registers from %d\n", bus, serveAddr, regOffset())
	if serveFlash != "" {
		fmt.Printf("Flash: %s\n", serveFlash)
	} else {
		fmt.Printf("Flash: in memory\n")
	}

	st := fw.Boot()
	fmt.Printf("Power-up: %s\n", st.PowerUp.Hex())
	fmt.Printf("Working:  %s\n", st.Working.Hex())
	if !st.OK() {
		fmt.Printf("Boot warnings: %v\n", st.Err())
	}
	if chip != nil {
		fmt.Printf("Simulated oscillator active: %s\n", chip.Active().Hex())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	if portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return err
		}
		fmt.Printf("Serial: %s @ %d baud\n", portName, baudRate)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := fw.Serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("serial channel: %w", err)
			}
		}()
	}

	if serveListen != "" {
		password := ""
		if serveUsername != "" {
			password = os.Getenv(PasswordEnv)
			if password == "" {
				return fmt.Errorf("--ws-username requires %s", PasswordEnv)
			}
		}
		ws := newWSServer(fw, serveUsername, password)
		mux := http.NewServeMux()
		mux.Handle(servePath, ws)
		srv := &http.Server{
			Addr:              serveListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv.RegisterOnShutdown(ws.closeAll)
		fmt.Printf("WebSocket: ws://%s%s\n", serveListen, servePath)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("websocket server: %w", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Printf("Press Ctrl+C to exit\n\n")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		stop()
	}
	wg.Wait()

	if chip != nil {
		logger.Info().
			Int("commits", chip.Commits()).
			Int("unfrozen_writes", chip.UnfrozenWrites()).
			Str("active", chip.Active().Hex()).
			Msg("simulated oscillator")
	}
	return runErr
}

// wsServer upgrades HTTP requests and serves each WebSocket as a host
// channel. All channels share one firmware instance.
type wsServer struct {
	fw       *firmware.Firmware
	username string
	password string
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newWSServer(fw *firmware.Firmware, username, password string) *wsServer {
	return &wsServer{
		fw:       fw,
		username: username,
		password: password,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  firmware.PacketSize,
			WriteBufferSize: 256,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *wsServer) authorized(r *http.Request) bool {
	if s.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="clockbox"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	s.track(ws, true)
	defer s.track(ws, false)
	defer ws.Close()

	log := logger.With().Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("host channel connected")

	err = s.fw.Serve(r.Context(), &WebSocketConnection{conn: ws})
	var closeErr *websocket.CloseError
	if err != nil && !errors.As(err, &closeErr) && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("host channel failed")
		return
	}
	log.Info().Msg("host channel closed")
}

func (s *wsServer) track(ws *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[ws] = struct{}{}
	} else {
		delete(s.conns, ws)
	}
}

func (s *wsServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.conns {
		ws.Close()
	}
}
