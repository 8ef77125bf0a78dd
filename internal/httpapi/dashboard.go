package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Clinic Sync Status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    .controls { display: flex; gap: 10px; margin-top: 12px; }
    .controls input { flex: 1; border-radius: 10px; border: 1px solid var(--line); padding: 8px 10px; }
    button {
      border: 0; border-radius: 10px; padding: 8px 14px;
      background: var(--accent); color: #fff; cursor: pointer;
    }
    .stats { display: grid; grid-template-columns: repeat(4, 1fr); gap: 10px; }
    .stat .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; }
    .stat .value { font-size: 1.6rem; margin-top: 4px; }
    .online { color: var(--accent); }
    .offline { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 4px; border-bottom: 1px solid var(--line); }
    #message { color: var(--muted); }
    #message.warn { color: var(--warn); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Clinic Sync</h1>
      <div class="sub">Pending changes on this device and their delivery state.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" />
        <button id="sync">Sync now</button>
      </div>
      <div id="message" class="sub"></div>
    </div>
    <div class="stats">
      <div class="card stat"><div class="label">Network</div><div id="network" class="value">-</div></div>
      <div class="card stat"><div class="label">Pending</div><div id="pending" class="value">-</div></div>
      <div class="card stat"><div class="label">Failed</div><div id="failed" class="value">-</div></div>
      <div class="card stat"><div class="label">Last sync</div><div id="lastSync" class="value">-</div></div>
    </div>
    <div class="card">
      <table>
        <thead><tr><th>Operation</th><th>Type</th><th>Retries</th><th>Last error</th></tr></thead>
        <tbody id="operations"></tbody>
      </table>
    </div>
  </div>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        sync: document.getElementById("sync"),
        message: document.getElementById("message"),
        network: document.getElementById("network"),
        pending: document.getElementById("pending"),
        failed: document.getElementById("failed"),
        lastSync: document.getElementById("lastSync"),
        operations: document.getElementById("operations"),
      };
      let socket = null;

      const headers = () => ({ Authorization: "Bearer " + dom.token.value.trim() });
      const setMessage = (text, level) => {
        dom.message.textContent = text;
        dom.message.className = "sub " + (level || "");
      };

      const renderStatus = (status) => {
        dom.network.textContent = status.isOnline ? "online" : "offline";
        dom.network.className = "value " + (status.isOnline ? "online" : "offline");
        dom.pending.textContent = status.pendingOperations + (status.isSyncing ? " (syncing)" : "");
        dom.failed.textContent = status.failedOperations;
        dom.lastSync.textContent = status.lastSync ? new Date(status.lastSync).toLocaleTimeString() : "never";
      };

      const renderOperations = (operations) => {
        dom.operations.replaceChildren(...operations.map((op) => {
          const row = document.createElement("tr");
          [op.id, op.type, op.retries, op.lastError || ""].forEach((value) => {
            const cell = document.createElement("td");
            cell.textContent = value;
            row.appendChild(cell);
          });
          return row;
        }));
      };

      const refresh = async () => {
        if (!dom.token.value.trim()) {
          setMessage("enter token to start", "warn");
          return;
        }
        try {
          const [status, ops] = await Promise.all([
            fetch("/v1/sync/status", { headers: headers() }),
            fetch("/v1/operations", { headers: headers() }),
          ]);
          if (!status.ok || !ops.ok) {
            setMessage("request failed: " + status.status, "warn");
            return;
          }
          renderStatus(await status.json());
          renderOperations((await ops.json()).operations);
          setMessage("");
        } catch (err) {
          setMessage(String(err), "warn");
        }
      };

      const connect = () => {
        if (socket) socket.close();
        const token = encodeURIComponent(dom.token.value.trim());
        const scheme = window.location.protocol === "https:" ? "wss" : "ws";
        socket = new WebSocket(scheme + "://" + window.location.host + "/v1/sync/stream?access_token=" + token);
        socket.onmessage = (event) => {
          renderStatus(JSON.parse(event.data));
          refresh();
        };
      };

      dom.sync.addEventListener("click", async () => {
        const resp = await fetch("/v1/sync", { method: "POST", headers: headers() });
        setMessage(resp.status === 409 ? "sync already running" : "", resp.status === 409 ? "warn" : "");
        refresh();
      });
      dom.token.addEventListener("change", () => {
        window.localStorage.setItem("clinicsync_dashboard_token", dom.token.value.trim());
        connect();
        refresh();
      });

      dom.token.value = window.localStorage.getItem("clinicsync_dashboard_token") || "";
      if (dom.token.value) {
        connect();
      }
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
