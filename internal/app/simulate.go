package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/alerting"
	"reactive-guard/internal/decoder"
)

// SimulateAlert 构造一条合成的 guardian 事件，经过解码器后输出线上 JSON，
// 并在配置了告警通道时推送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	dec, err := a.newDecoder()
	if err != nil {
		return err
	}

	al, payload, err := simulate(dec, opts, time.Now())
	if err != nil {
		return err
	}
	if err := printWire(os.Stdout, payload); err != nil {
		return err
	}

	if !a.Config.Alerting.Enabled {
		a.Logger.Info().Msg("alerting 未启用，跳过推送")
		return nil
	}
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("未配置任何告警通道")
		return nil
	}
	return notifier.Notify(ctx, alerting.Notification{
		Alert:         al,
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "simulated alert",
	})
}

// simulate encodes opts as a guardian log and decodes it back, returning the
// alert and its wire JSON.
func simulate(dec *decoder.Decoder, opts SimulateOptions, now time.Time) (alert.Alert, []byte, error) {
	kind, err := alert.ParseKind(opts.Kind)
	if err != nil {
		return alert.Alert{}, nil, err
	}
	subject, err := alert.NormalizeSubject(opts.Subject)
	if err != nil {
		return alert.Alert{}, nil, err
	}

	in := alert.Alert{Kind: kind, Subject: subject, ObservedAt: now.Truncate(time.Second)}
	if in.HealthFactor, err = parseAmount("hf", opts.HF, "0"); err != nil {
		return alert.Alert{}, nil, err
	}
	if kind != alert.Safe {
		if in.CollateralValue, err = parseAmount("collateral", opts.Collateral, "0"); err != nil {
			return alert.Alert{}, nil, err
		}
		if in.BorrowedAmount, err = parseAmount("borrowed", opts.Borrowed, "0"); err != nil {
			return alert.Alert{}, nil, err
		}
	}
	if kind == alert.Critical {
		topUp, err := parseAmount("top-up", opts.TopUp, "0")
		if err != nil {
			return alert.Alert{}, nil, err
		}
		in.RequiredTopUp = decimal.NewNullDecimal(topUp)
	}

	topics, data, err := decoder.EncodeLog(in)
	if err != nil {
		return alert.Alert{}, nil, err
	}
	out, err := dec.Decode(topics, data)
	if err != nil {
		return alert.Alert{}, nil, err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return alert.Alert{}, nil, err
	}
	return out, payload, nil
}

func parseAmount(name, raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func printWire(w io.Writer, payload []byte) error {
	_, err := fmt.Fprintf(w, "%s\n", payload)
	return err
}
