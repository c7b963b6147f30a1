package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/config"
	"github.com/iurnickita/donationledger/internal/distribution"
	"github.com/iurnickita/donationledger/internal/logger"
	"github.com/iurnickita/donationledger/internal/notify"
	"github.com/iurnickita/donationledger/internal/service"
	"github.com/iurnickita/donationledger/internal/service/chargeprovider"
	"github.com/iurnickita/donationledger/internal/store"
)

// app - собранные зависимости одной команды.
type app struct {
	cfg        config.Config
	zaplog     *zap.Logger
	store      store.Store
	dispatcher *notify.Dispatcher
	service    service.Service
	aggregator distribution.Aggregator
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return nil, err
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if cfg.Store.DBDsn == "" {
		zaplog.Warn("no DSN configured, ledger is kept in memory")
	}

	deliverers := []notify.Deliverer{notify.NewLogDeliverer(zaplog)}
	if cfg.Notify.RelayAddr != "" {
		deliverers = append(deliverers, notify.NewRelaySender(cfg.Notify))
	}
	if cfg.Notify.ArchiveBucket != "" {
		archiver, err := notify.NewS3Archiver(ctx, cfg.Notify)
		if err != nil {
			store.Close()
			return nil, err
		}
		deliverers = append(deliverers, archiver)
	}
	dispatcher := notify.NewDispatcher(cfg.Notify, zaplog, deliverers...)
	dispatcher.Start()

	service, err := service.NewService(cfg.Service, store, chargeprovider.NewChargeProvider(cfg.Service), dispatcher, zaplog)
	if err != nil {
		dispatcher.Shutdown()
		store.Close()
		return nil, err
	}
	aggregator := distribution.NewAggregator(store, service.Policy(), zaplog)

	return &app{
		cfg:        cfg,
		zaplog:     zaplog,
		store:      store,
		dispatcher: dispatcher,
		service:    service,
		aggregator: aggregator,
	}, nil
}

// Close дожидается отправки принятых квитанций и закрывает хранилище.
func (a *app) Close() error {
	a.dispatcher.Shutdown()
	a.zaplog.Sync()
	return a.store.Close()
}
