package announcer

import (
	"strings"

	"metrobot/internal/status"
)

type statusInfo struct {
	emoji        string
	line         string
	station      string
	lineTitle    string
	stationTitle string
	color        int
}

var statusTable = map[status.Status]statusInfo{
	status.ScheduledClosed: {
		emoji: "🌙", line: "Cierre por Horario", station: "Cierre por Horario",
		lineTitle: "Línea Cerrada por Horario", stationTitle: "Estación Cerrada por Horario",
		color: 0x7289DA,
	},
	status.Operational: {
		emoji: "🟩", line: "Operativa", station: "Operativa",
		lineTitle: "Línea Operativa Nuevamente", stationTitle: "Estación Operativa Nuevamente",
		color: 0x00AA00,
	},
	status.Closed: {
		emoji: "🟥", line: "Cerrada", station: "Cierre Temporal",
		lineTitle: "Línea Cerrada", stationTitle: "Estación Cerrada",
		color: 0xFF0000,
	},
	status.Partial: {
		emoji: "🟨", line: "Cierre Parcial", station: "Cierre Parcial",
		lineTitle: "Servicio Interrumpido", stationTitle: "Accesos Cerrados",
		color: 0xFFA500,
	},
	status.Delayed: {
		emoji: "⏲️", line: "Demoras en Frecuencia", station: "Retrasos en Frecuencia",
		lineTitle: "Demoras en Línea", stationTitle: "Demoras en Estación",
		color: 0xFFFF00,
	},
	status.Extended: {
		emoji: "↔️", line: "Ruta Extendida", station: "Ruta Extendida",
		lineTitle: "Servicio Extendido", stationTitle: "Ruta Extendida",
		color: 0x0000FF,
	},
}

// victoryMessages is keyed by the status a line recovered from.
var victoryMessages = map[status.Status]string{
	status.Closed:  "¡La línea ha vuelto a la operación completa después de un cierre total! 🎉",
	status.Partial: "¡La línea ha vuelto a la normalidad después de interrupciones parciales! ✨",
	status.Delayed: "¡Las demoras han finalizado y el servicio es normal! 🚄",
}

var transferImpact = map[status.Status]string{
	status.ScheduledClosed: "Cierre por Horario",
	status.Closed:          "Combinación Cerrada",
	status.Partial:         "Combinación Parcial",
	status.Extended:        "Combinación Extendida",
}

var lineEmojis = map[string]string{
	"l1": "🔴",
	"l2": "🟡",
	"l3": "🟤",
	"l4": "🔵",
	"l5": "🟢",
	"l6": "🟣",
}

var severityLabels = map[status.Status]string{
	status.Closed:  "Alta",
	status.Partial: "Media",
	status.Delayed: "Baja",
}

const (
	footerText      = "Sistema de Monitoreo Metro"
	closedSuffix    = " (No todas las estaciones operativas)"
	errorTitle      = "⚠️ Error del Sistema"
	timestampLayout = "02/01/2006, 15:04:05"
)

func info(s status.Status) statusInfo {
	if i, ok := statusTable[s]; ok {
		return i
	}
	return statusTable[status.Operational]
}

// lineText is the emoji-prefixed line status label.
func lineText(s status.Status) string {
	i := info(s)
	return i.emoji + " " + i.line
}

// stationText is the emoji-prefixed station status label.
func stationText(s status.Status) string {
	i := info(s)
	return i.emoji + " " + i.station
}

func lineEmoji(lineID string) string {
	if e, ok := lineEmojis[lineID]; ok {
		return e
	}
	return "🚇"
}

func lineName(lineID, display string) string {
	if strings.TrimSpace(display) != "" {
		return display
	}
	return "Línea " + strings.TrimPrefix(lineID, "l")
}

// directionIcon compares severities: improvement points up.
func directionIcon(from, to status.Status) string {
	switch {
	case to.Severity() < from.Severity():
		return "🔼"
	case to.Severity() > from.Severity():
		return "🔽"
	default:
		return "ℹ️"
	}
}

func worse(a, b status.Status) status.Status {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

func yesNo(b bool) string {
	if b {
		return "operativo"
	}
	return "no operativo"
}
