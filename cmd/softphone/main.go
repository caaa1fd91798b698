// Command softphone is a headless call endpoint for the signaling server. It
// registers a user, then either places a call or answers incoming ones.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/FindIt/internal/adapters/rtc"
	"github.com/dkeye/FindIt/internal/client"
	"github.com/dkeye/FindIt/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	v := viper.New()
	fs := pflag.NewFlagSet("softphone", pflag.ExitOnError)
	fs.String("url", "ws://localhost:8080/api/ws/signal", "signaling endpoint")
	fs.String("user", "", "user id to register")
	fs.String("call", "", "user id to call; empty waits for incoming calls")
	fs.String("type", string(domain.CallAudio), "call type: audio or video")
	fs.String("response", "", "response id the call belongs to")
	fs.String("name", "", "caller name shown to the callee")
	fs.Bool("auto-answer", true, "accept incoming calls")
	fs.String("token", "", "bearer token when the server requires auth")
	fs.StringSlice("ice", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	fs.Duration("timeout", client.DefaultNegotiationTimeout, "negotiation timeout")
	fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])
	_ = v.BindPFlags(fs)
	v.SetEnvPrefix("SOFTPHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if lvl, err := zerolog.ParseLevel(v.GetString("log-level")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	self := domain.UserID(v.GetString("user"))
	if self == "" {
		log.Fatal().Str("module", "softphone").Msg("--user is required")
	}

	var header http.Header
	if tok := v.GetString("token"); tok != "" {
		header = http.Header{"Authorization": []string{"Bearer " + tok}}
	}
	conn, err := client.Dial(ctx, v.GetString("url"), self, header)
	if err != nil {
		log.Fatal().Err(err).Str("module", "softphone").Msg("dial failed")
	}
	defer conn.Close()

	peers, err := rtc.NewFactory(v.GetStringSlice("ice"))
	if err != nil {
		log.Fatal().Err(err).Str("module", "softphone").Msg("webrtc setup failed")
	}

	l := &logListener{autoAnswer: v.GetBool("auto-answer"), ctx: ctx}
	n := client.NewNegotiator(conn, peers, rtc.SilentCapture{}, client.Options{
		Self:     self,
		Remote:   domain.UserID(v.GetString("call")),
		Timeout:  v.GetDuration("timeout"),
		Listener: l,
	})
	l.n = n
	defer n.Close()
	conn.OnEvent(n.Dispatch)

	if v.GetString("call") != "" {
		ct, err := domain.ParseCallType(v.GetString("type"))
		if err != nil {
			log.Fatal().Err(err).Str("module", "softphone").Msg("bad call type")
		}
		err = n.StartCall(ctx, ct, domain.ResponseID(v.GetString("response")), v.GetString("name"))
		if err != nil {
			log.Fatal().Err(err).Str("module", "softphone").Msg("call failed")
		}
	}

	select {
	case <-ctx.Done():
		n.Hangup()
		// let end-call reach the server before the socket closes
		time.Sleep(200 * time.Millisecond)
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			log.Error().Err(err).Str("module", "softphone").Msg("signaling lost")
		}
	}
}

type logListener struct {
	ctx        context.Context
	n          *client.Negotiator
	autoAnswer bool
}

func (l *logListener) OnState(s client.State) {
	log.Info().Str("module", "softphone").Str("state", string(s)).Msg("call state")
	if s == client.StateIncoming && l.autoAnswer {
		// Accept outside the listener callback; it blocks on media setup.
		go func() {
			if err := l.n.Accept(l.ctx); err != nil {
				log.Warn().Err(err).Str("module", "softphone").Msg("accept failed")
			}
		}()
	}
}

func (l *logListener) OnNotice(nt client.Notice) {
	log.Info().Str("module", "softphone").Str("kind", nt.Kind.String()).Msg(nt.Text)
}

func (l *logListener) OnDuration(d time.Duration) {
	log.Debug().Str("module", "softphone").Dur("duration", d).Msg("tick")
}
