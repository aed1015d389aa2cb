package monitor

import (
	"fmt"
	"strings"

	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/output"
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(m.headerView())
	sb.WriteString("\n")
	sb.WriteString(panelStyle.Render(m.accountsView()))
	sb.WriteString("\n")
	sb.WriteString(panelStyle.Render(m.queueView()))
	sb.WriteString("\n")
	sb.WriteString(panelStyle.Render(m.metaView()))
	sb.WriteString("\n")
	sb.WriteString(subtleStyle.Render("s: sync now  r: refresh  q: quit"))
	sb.WriteString("\n")
	return sb.String()
}

func (m Model) headerView() string {
	conn := offlineStyle.Render("● offline")
	if m.data.Online {
		conn = onlineStyle.Render("● online")
	}

	state := string(m.engineState())
	if m.syncing {
		state = m.spinner.View() + " syncing"
	}

	parts := []string{
		titleStyle.Render("cashew monitor"),
		conn,
		fmt.Sprintf("engine: %s", state),
		pendingStyle.Render(fmt.Sprintf("%d pending", m.data.Pending)),
	}
	if m.err != nil {
		parts = append(parts, errorStyle.Render(m.err.Error()))
	}
	return strings.Join(parts, "  ")
}

func (m Model) accountsView() string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("Accounts"))
	sb.WriteString("\n")
	if len(m.data.Accounts) == 0 {
		sb.WriteString(subtleStyle.Render("no accounts"))
		return sb.String()
	}
	for i := range m.data.Accounts {
		sb.WriteString(output.FormatAccountShort(&m.data.Accounts[i]))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m Model) queueView() string {
	var sb strings.Builder
	counts := m.statusCounts()
	sb.WriteString(headerStyle.Render(fmt.Sprintf("Queue  (pending %d  processing %d  failed %d  completed %d)",
		counts[models.StatusPending], counts[models.StatusProcessing],
		counts[models.StatusFailed], counts[models.StatusCompleted])))
	sb.WriteString("\n")
	if len(m.data.QueueItems) == 0 {
		sb.WriteString(subtleStyle.Render("queue is empty"))
		return sb.String()
	}
	shown := 0
	for i := range m.data.QueueItems {
		item := &m.data.QueueItems[i]
		if item.Status == models.StatusCompleted {
			continue
		}
		sb.WriteString(output.FormatQueueItem(item))
		sb.WriteString("\n")
		shown++
		if shown >= 10 {
			sb.WriteString(subtleStyle.Render("…"))
			sb.WriteString("\n")
			break
		}
	}
	if shown == 0 {
		sb.WriteString(subtleStyle.Render("nothing in flight"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m Model) metaView() string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("Sync state"))
	sb.WriteString("\n")
	if len(m.data.Meta) == 0 {
		sb.WriteString(subtleStyle.Render("never synced"))
		return sb.String()
	}
	for _, meta := range m.data.Meta {
		pulled := "never"
		if meta.LastPulledAt != nil {
			pulled = meta.LastPulledAt.Format("15:04:05")
		}
		pushed := "never"
		if meta.LastPushedAt != nil {
			pushed = meta.LastPushedAt.Format("15:04:05")
		}
		sb.WriteString(fmt.Sprintf("%-14s pulled %-9s pushed %-9s token %-6d pending %d\n",
			meta.EntityType, pulled, pushed, meta.LastSyncToken, meta.PendingChanges))
	}
	return strings.TrimRight(sb.String(), "\n")
}
