// coap-client is a minimal command-line client: it issues one request
// against a CoAP endpoint and prints the response, or streams
// notifications when -observe is given.
package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/lobaro/coap-go/client"
)

func main() {
	method := flag.String("method", "GET", "CoAP method: GET, POST, PUT or DELETE")
	body := flag.String("body", "", "request payload")
	observe := flag.Bool("observe", false, "register for Observe notifications instead of a single request")
	nonConfirmable := flag.Bool("non-confirmable", false, "send as NON instead of CON")
	flag.Parse()

	if flag.NArg() != 1 {
		logrus.Fatal("usage: coap-client [flags] coap://host/path")
	}
	url := flag.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	c := &client.Client{MaxParallelRequests: 1}

	if *observe {
		runObserve(ctx, c, url)
		return
	}

	req, err := client.NewRequest(*method, url, bodyReader(*body))
	if err != nil {
		logrus.WithError(err).Fatal("failed to build request")
	}
	req.Confirmable = !*nonConfirmable

	resp, err := c.Do(ctx, req)
	if err != nil {
		logrus.WithError(err).Fatal("request failed")
	}
	defer resp.Body.Close()

	logrus.WithField("status", resp.Status).Info("response")
	io.Copy(os.Stdout, resp.Body)
}

func runObserve(ctx context.Context, c *client.Client, url string) {
	obs, err := c.Observe(ctx, url)
	if err != nil {
		logrus.WithError(err).Fatal("observe failed")
	}
	defer obs.Cancel()

	for n := range obs.Notifications() {
		logrus.WithField("sequence", n.Sequence).WithField("status", n.StatusCode.String()).
			Info("notification")
		os.Stdout.Write(n.Body)
		os.Stdout.Write([]byte("\n"))
	}
	if obs.Err() != nil {
		logrus.WithError(obs.Err()).Warn("observation ended")
	}
}

func bodyReader(body string) io.Reader {
	if body == "" {
		return nil
	}
	return bytes.NewBufferString(body)
}
