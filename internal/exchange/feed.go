package exchange

import (
	"context"
	"errors"
	"time"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Feed - транспорт событий площадки: кадры WebSocket → события ядра,
// команды ядра → кадры WebSocket.
type Feed struct {
	ws     *WSReconnectManager
	signer *Signer

	ctx  context.Context
	sink EventSink

	now func() time.Time
	log *utils.Logger
}

// NewFeed создаёт транспорт. Подключение - в Start.
func NewFeed(wsURL string, config WSReconnectConfig, signer *Signer, log *utils.Logger) *Feed {
	return &Feed{
		ws:     NewWSReconnectManager(wsURL, config, log),
		signer: signer,
		now:    time.Now,
		log:    log.WithComponent("feed"),
	}
}

// Start подключается к площадке и начинает доставлять события в sink.
// Ошибка первого подключения не фатальна: переподключение идёт в фоне.
func (f *Feed) Start(ctx context.Context, sink EventSink) {
	f.ctx = ctx
	f.sink = sink

	f.ws.SetOnConnect(func() {
		f.submit(models.Connected{})
	})
	f.ws.SetOnDisconnect(func(err error) {
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		f.submit(models.Disconnected{Reason: reason})
	})
	f.ws.SetOnMessage(f.handleMessage)

	if err := f.ws.Connect(); err != nil {
		f.log.Warn("Venue unreachable, retrying in background", utils.Err(err))
	}
}

// Send кодирует команду и отправляет её площадке
func (f *Feed) Send(cmd models.Command) error {
	data, err := EncodeCommand(cmd, f.signer)
	if err != nil {
		return err
	}
	if err := f.ws.Send(data); err != nil {
		return err
	}
	f.log.Debug("Command sent", utils.String("op", cmd.Op), utils.Channel(cmd.Channel), utils.Strings("symbols", cmd.Symbols))
	return nil
}

// State - состояние транспортного соединения
func (f *Feed) State() WSConnectionState {
	return f.ws.GetState()
}

// Close закрывает соединение без переподключения
func (f *Feed) Close() error {
	return f.ws.Close()
}

func (f *Feed) handleMessage(raw []byte) {
	frame, err := DecodeFrame(raw, f.now())
	if err != nil {
		var de *DecodeError
		frameType := frame.Type
		if errors.As(err, &de) && frameType == "" {
			frameType = de.Type
		}
		DecodeErrors.WithLabelValues(frameType).Inc()
		f.log.Warn("Dropping malformed venue frame",
			utils.String("type", frameType),
			utils.Action(frame.Action),
			utils.Err(err),
		)
		return
	}
	FramesReceived.WithLabelValues(frame.Type).Inc()

	switch {
	case frame.Event != nil:
		f.submit(frame.Event)
	case frame.Type == FrameError:
		f.log.Error("Venue reported error", utils.String("frame", string(raw)))
	case frame.Type == FrameSuccess:
		f.log.Info("Venue success frame", utils.String("message", frame.Message))
	case frame.Type == FrameSubscriptions:
		f.log.Debug("Subscription acknowledged", utils.String("frame", string(raw)))
	default:
		f.log.Debug("Ignoring venue frame", utils.String("type", frame.Type))
	}
}

func (f *Feed) submit(ev models.Event) {
	if f.sink == nil {
		return
	}
	if err := f.sink.Submit(f.ctx, ev); err != nil {
		f.log.Debug("Event not delivered", utils.Kind(string(ev.Kind())), utils.Err(err))
	}
}
