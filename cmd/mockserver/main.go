package main

import (
	"net"
	"net/http"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/mocks"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Host to listen on")
	port := flag.Int("port", 1234, "Port to run the server on")
	model := flag.String("model", "mock-model", "Model name reported by /v1/models")
	dropAfter := flag.Int("drop-after", 0, "Abort streamed responses after this many chunks (0 never drops)")
	failStatus := flag.Int("fail-status", 0, "Answer every chat completion with this HTTP status")
	delay := flag.Duration("delay", 0, "Delay before answering chat completions")
	flag.Parse()

	logger.InitLogger(logger.INFO, "mockserver")
	log := logger.GetLogger()

	engine := mocks.NewEngineServer(mocks.EngineOptions{
		Model:      *model,
		DropAfter:  *dropAfter,
		FailStatus: *failStatus,
		Delay:      *delay,
	})

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	log.Info("Mock inference engine listening on http://%s/v1", addr)
	if err := http.ListenAndServe(addr, engine.Handler()); err != nil {
		log.Fatal("Mock server failed: %v", err)
	}
}
