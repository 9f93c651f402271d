package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"wae-forge/internal/metrics"
	"wae-forge/internal/trainer"
)

type epochRow struct {
	epoch   int
	batches int
	images  int
	cost    []float64
	penalty []float64
	loss    []float64
}

func groupEpochs(records []trainer.Step) []*epochRow {
	var rows []*epochRow
	for _, r := range records {
		if len(rows) == 0 || rows[len(rows)-1].epoch != r.Epoch {
			rows = append(rows, &epochRow{epoch: r.Epoch})
		}
		row := rows[len(rows)-1]
		row.batches++
		row.images += r.Size
		row.cost = append(row.cost, r.Cost)
		row.penalty = append(row.penalty, r.Penalty)
		row.loss = append(row.loss, r.Loss)
	}
	return rows
}

func renderEpochs(w io.Writer, records []trainer.Step) {
	rows := groupEpochs(records)
	if len(rows) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"EPOCH", "BATCHES", "IMAGES", "COST", "PENALTY", "LOSS", "MIN", "LAST"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range rows {
		loss := metrics.Summarize(r.loss)
		table.Append([]string{
			strconv.Itoa(r.epoch),
			strconv.Itoa(r.batches),
			strconv.Itoa(r.images),
			fmt.Sprintf("%.4f", metrics.Summarize(r.cost).Mean),
			fmt.Sprintf("%.4f", metrics.Summarize(r.penalty).Mean),
			fmt.Sprintf("%.4f", loss.Mean),
			fmt.Sprintf("%.4f", loss.Min),
			fmt.Sprintf("%.4f", loss.Last),
		})
	}
	table.Render()
}
