package logger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iurnickita/donationledger/internal/logger/config"
)

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	// создаём новую конфигурацию логера
	zapcfg := zap.NewProductionConfig()
	// устанавливаем уровень
	zapcfg.Level = lvl
	// создаём логер на основе конфигурации
	zl, err := zapcfg.Build()
	if err != nil {
		return nil, err
	}
	return zl, nil
}

// RequestLogMdlw - middleware-логер для входящих HTTP-запросов. Тела не
// пишутся: в них персональные данные доноров. operatorHeader - заголовок,
// в который auth кладет оператора; пусто - не писать.
func RequestLogMdlw(h http.Handler, zaplog *zap.Logger, operatorHeader string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h.ServeHTTP(wl, r)
		handlerDuration := time.Since(handlerStart)

		fields := []zap.Field{
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Int64("request_length", r.ContentLength),
			zap.Int("code", wl.statusCode),
			zap.Int("length", wl.length),
			zap.Duration("duration", handlerDuration),
		}
		if operatorHeader != "" {
			if operator := r.Header.Get(operatorHeader); operator != "" {
				fields = append(fields, zap.String("operator", operator))
			}
		}
		if wl.statusCode >= http.StatusInternalServerError {
			zaplog.Warn("HTTP request failed", fields...)
			return
		}
		zaplog.Info("HTTP request", fields...)
	})
}

// Middleware - то же для chi.Router.Use.
func Middleware(zaplog *zap.Logger, operatorHeader string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return RequestLogMdlw(h, zaplog, operatorHeader)
	}
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{w, http.StatusOK, 0}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}
