package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Gateway wires the daemon together. Components reach each other only
// through here, so none of them holds a back-reference to another.
type Gateway struct {
	Config     *DaemonConfig
	LogManager *LogManager

	Users         *UserStore
	Bus           *MessageBus
	HotStore      *HotStore
	Records       *MsgRecorder
	Router        *Router
	ClientManager *SMPPClientManager
	SMPPServer    *SMPPServer
	Throwers      *ThrowerHub
	HTTPAPI       *HTTPAPI

	persistStop chan struct{}
}

func NewGateway(cfg *DaemonConfig, lm *LogManager) (*Gateway, error) {
	store, err := NewHotStore(cfg.RedisURL, lm)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(context.Background()); err != nil {
		return nil, err
	}

	records, err := NewMsgRecorder(cfg.RecordsDSN, cfg.ServerID, lm)
	if err != nil {
		return nil, err
	}

	users := NewUserStore()
	bus := NewMessageBus(cfg.AMQPURL, lm)
	router := NewRouter(cfg, lm, users, bus, store, records)
	manager := NewSMPPClientManager(lm, bus, store, router, cfg)
	server := NewSMPPServer(cfg, lm, users, router)
	throwers := NewThrowerHub(cfg, lm, bus, server)
	api := NewHTTPAPI(cfg, lm, users, router)

	g := &Gateway{
		Config:        cfg,
		LogManager:    lm,
		Users:         users,
		Bus:           bus,
		HotStore:      store,
		Records:       records,
		Router:        router,
		ClientManager: manager,
		SMPPServer:    server,
		Throwers:      throwers,
		HTTPAPI:       api,
		persistStop:   make(chan struct{}),
	}
	return g, nil
}

// Load restores the persisted profile and starts the connectors whose
// service flag survived the restart.
func (g *Gateway) Load() error {
	if err := LoadState(g.Config.StorePath, g.Config.StoreProfile,
		g.Users, g.Router, g.ClientManager); err != nil {
		return err
	}
	g.LogManager.SendLog(g.LogManager.BuildLog("gateway", "state loaded",
		logrus.InfoLevel, map[string]interface{}{
			"profile": g.Config.StoreProfile,
			"users":   len(g.Users.ListUsers()),
			"mt":      g.Router.MTTable().Size(),
			"mo":      g.Router.MOTable().Size(),
		}))
	return nil
}

// Persist writes the current profile snapshot.
func (g *Gateway) Persist() error {
	if err := PersistState(g.Config.StorePath, g.Config.StoreProfile,
		g.Users, g.Router, g.ClientManager); err != nil {
		return err
	}
	g.ClientManager.ClearDirty()
	return nil
}

// StartPersistLoop persists on a timer whenever something changed.
func (g *Gateway) StartPersistLoop() {
	go func() {
		ticker := time.NewTicker(g.Config.PersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.persistStop:
				return
			case <-ticker.C:
				if !g.Users.Dirty() && !g.ClientManager.Dirty() {
					continue
				}
				if err := g.Persist(); err != nil {
					g.LogManager.SendLog(g.LogManager.BuildLog("gateway",
						"periodic persist failed", logrus.ErrorLevel, nil, err))
				}
			}
		}
	}()
}

// Shutdown takes everything down in dependency order and writes one
// final snapshot.
func (g *Gateway) Shutdown() {
	close(g.persistStop)
	g.Throwers.Stop()
	g.ClientManager.StopAll()
	g.SMPPServer.Close()
	if err := g.Persist(); err != nil {
		g.LogManager.SendLog(g.LogManager.BuildLog("gateway", "final persist failed",
			logrus.ErrorLevel, nil, err))
	}
	_ = g.Bus.Close()
	_ = g.HotStore.Close()
}
