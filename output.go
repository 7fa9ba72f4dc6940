package main

import (
	"fmt"
	"strconv"
	"strings"
)

// asciiPlot draws a crude vertical bar chart of values in [0,1], one
// column per epoch. Enough to eyeball whether validation F1 is still
// climbing without leaving the terminal.
func asciiPlot(values []float64) {
	const height = 10
	n := len(values)
	if n == 0 {
		fmt.Println("no data to plot")
		return
	}
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, v := range values {
			if v >= threshold {
				fmt.Print("█")
			} else {
				fmt.Print(" ")
			}
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("─", n))
	for i := range values {
		if i%5 == 0 {
			fmt.Print(strconv.Itoa(i % 10))
		} else {
			fmt.Print(" ")
		}
	}
	fmt.Println()
}
