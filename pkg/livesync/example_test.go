package livesync_test

import (
	"context"
	"fmt"
	"net/url"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/connection/memory"
	"github.com/agencyops/opsync/pkg/connection/rpc"
	"github.com/agencyops/opsync/pkg/livesync"
	"github.com/agencyops/opsync/pkg/logger"
	"github.com/agencyops/opsync/pkg/models"
)

func ExampleSynchronizer() {
	ctx := context.Background()

	u, err := url.Parse("mem://local")
	if err != nil {
		panic(err)
	}
	conf := connection.NewConfig(u)
	conf.Logger = logger.Discard()

	conn := memory.New(memory.NewStore("example-secret"), conf)
	if err := conn.Connect(ctx); err != nil {
		panic(err)
	}
	defer conn.Close(ctx)

	if _, err := rpc.SignIn(conn, ctx, rpc.Anonymous); err != nil {
		panic(err)
	}

	if _, err := connection.Call[map[string]any](conn, ctx, string(connection.Create),
		models.Path("agencyops", models.Tickets),
		map[string]any{"title": "Renew SSL certificate", "createdBy": "u1"},
	); err != nil {
		panic(err)
	}

	sync := livesync.New(livesync.NewStoreSubscriber(conn, "agencyops", nil))
	h := sync.Start(ctx, "u1")
	defer h.Stop()

	for s := range h.Changes() {
		if s.Loading {
			continue
		}
		for _, ticket := range s.Records(models.Tickets) {
			fmt.Println(ticket["title"])
		}
		fmt.Println("loading:", s.Loading, "error:", s.Err)
		break
	}

	// Output:
	// Renew SSL certificate
	// loading: false error: <nil>
}
