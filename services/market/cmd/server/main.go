package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/moridanjin/clawver-protocol/pkg/anchor"
	anchoreth "github.com/moridanjin/clawver-protocol/pkg/anchor/ethereum"
	anchortsa "github.com/moridanjin/clawver-protocol/pkg/anchor/rfc3161"
	"github.com/moridanjin/clawver-protocol/pkg/authn"
	"github.com/moridanjin/clawver-protocol/pkg/db"
	"github.com/moridanjin/clawver-protocol/pkg/logx"
	"github.com/moridanjin/clawver-protocol/pkg/payment"
	"github.com/moridanjin/clawver-protocol/pkg/proof"
	"github.com/moridanjin/clawver-protocol/services/market/internal/contract"
	"github.com/moridanjin/clawver-protocol/services/market/internal/exec"
	"github.com/moridanjin/clawver-protocol/services/market/internal/reputation"
	"github.com/moridanjin/clawver-protocol/services/market/internal/sandbox"
	"github.com/moridanjin/clawver-protocol/services/market/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		l := logx.For("market")
		l.Fatal().Err(err).Msg("config")
	}
	logx.Setup(cfg.LogFormat, cfg.LogLevel)
	log := logx.For("market")

	pool := db.MustConnect()
	defer pool.Close()
	st := store.New(pool)

	gateway := payment.Select(payment.Config{
		ChallengeEnabled: cfg.PaymentChallengeEnabled,
		FacilitatorURL:   cfg.FacilitatorURL,
		Network:          cfg.PaymentNetwork,
		Asset:            cfg.PaymentAsset,
		Description:      "skill execution payment",
		WalletURL:        cfg.WalletURL,
		WalletUsername:   cfg.WalletUsername,
		WalletToken:      cfg.WalletToken,
	})

	signer, err := proof.NewSignerFromSeed(cfg.SigningKeySeed)
	if err != nil {
		log.Fatal().Err(err).Msg("signing key")
	}
	if signer == nil {
		log.Info().Msg("no signing key configured, proofs go unsigned")
	}

	anchorer := buildAnchorer(cfg, log)

	runner, err := sandbox.Default()
	if err != nil {
		log.Fatal().Err(err).Msg("sandbox engine")
	}
	defer func() { _ = sandbox.CloseDefault() }()

	rep := reputation.New(st)
	execOrch := exec.New(st, runner, gateway, signer, rep, logx.For("exec"))
	ctrOrch := contract.New(st, runner, gateway, rep, logx.For("contract"))

	resolve := func(ctx context.Context, wallet string) (*authn.AgentIdentity, error) {
		return authn.LookupAgent(ctx, pool, wallet)
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logx.For("http")))
	r.Use(authMiddleware(resolve))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	registerAgentRoutes(r, st, rep)
	registerSkillRoutes(r, st)
	registerExecuteRoutes(r, st, execOrch, anchorer, logx.For("exec"))
	registerContractRoutes(r, st, ctrOrch, anchorer, logx.For("contract"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("market service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

// buildAnchorer picks the proof-anchoring backend. Anchoring is
// best-effort everywhere it is used; a misconfigured backend downgrades
// to noop instead of refusing to start.
func buildAnchorer(cfg config, log zerolog.Logger) anchor.Anchorer {
	switch cfg.AnchorMode {
	case "ethereum":
		a, err := anchoreth.New(anchoreth.Config{
			EndpointURL:   cfg.EthEndpoint,
			PrivateKeyHex: cfg.EthPrivateKey,
			ChainID:       cfg.EthChainID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("ethereum anchoring disabled")
			return anchor.Noop{}
		}
		return a
	case "rfc3161":
		a, err := anchortsa.New(anchortsa.Config{TSAURL: cfg.TSAURL, PolicyOID: cfg.TSAPolicyOID}, nil)
		if err != nil {
			log.Warn().Err(err).Msg("rfc3161 anchoring disabled")
			return anchor.Noop{}
		}
		return a
	default:
		return anchor.Noop{}
	}
}
