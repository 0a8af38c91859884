package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"AMessage-Chain/sdk/go/amessage"
)

// main 打印本地响应方的运行统计以及最近的处理记录。
func main() {
	base := os.Getenv("AMESSAGE_API")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	client, err := amessage.NewClient(base, nil)
	if err != nil {
		panic(err)
	}
	client.SetAccessToken(os.Getenv("AMESSAGE_API_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := client.Stats(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent %s status=%s earnings=%g queries=%d uptime=%s\n",
		stats.Address, stats.Status, stats.Earnings, stats.TotalQueries, stats.Uptime().Truncate(time.Second))

	page, err := client.Messages(ctx, amessage.MessageQuery{Limit: 5})
	if err != nil {
		panic(err)
	}
	for _, m := range page.Items {
		fmt.Printf("%s %-9s %s paid=%g\n", time.Unix(m.CreatedAt, 0).Format(time.RFC3339), m.Status, m.Sender, m.Amount)
	}
}
