package api

// indexHTML is the viewer: the composite stream plus a small control
// panel. It reports its window size so viewport size mode can follow it.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OverlayCam</title>
    <style>
        html, body {
            margin: 0;
            height: 100%;
            background: #000;
            color: #ddd;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Ubuntu, sans-serif;
            overflow: hidden;
        }
        #video {
            position: absolute;
            inset: 0;
            width: 100%;
            height: 100%;
            object-fit: cover;
        }
        #video.contain {
            object-fit: contain;
        }
        #panel {
            position: absolute;
            top: 12px;
            left: 12px;
            padding: 12px 14px;
            background: rgba(20, 20, 28, 0.85);
            border-radius: 6px;
            font-size: 13px;
            min-width: 240px;
        }
        #panel.hidden {
            display: none;
        }
        #panel label {
            display: block;
            margin: 8px 0 4px;
        }
        #panel input[type=text], #panel input[type=file] {
            width: 100%;
            box-sizing: border-box;
        }
        #panel button {
            margin: 4px 4px 0 0;
        }
        #status {
            margin-top: 10px;
            color: #999;
            font-family: 'Courier New', monospace;
            white-space: pre;
        }
    </style>
</head>
<body>
    <img id="video" src="/stream" alt="">
    <div id="panel">
        <button id="fit">Fit: cover</button>
        <button id="lock">Overlay: off</button>
        <label>Opacity <span id="opacity-value"></span></label>
        <input id="opacity" type="range" min="0" max="1" step="0.01">
        <label>Image URL</label>
        <input id="url" type="text" placeholder="https://...">
        <button id="set-url">Set</button>
        <button id="clear">Clear</button>
        <label>Upload</label>
        <input id="file" type="file" accept="image/*">
        <div id="status"></div>
    </div>
    <script>
        const $ = (id) => document.getElementById(id);

        function send(method, path, body) {
            const opts = { method };
            if (body !== undefined) {
                opts.headers = { 'Content-Type': 'application/json' };
                opts.body = JSON.stringify(body);
            }
            return fetch(path, opts);
        }

        function render(s) {
            const c = s.controls;
            $('video').classList.toggle('contain', c.fit_screen);
            $('fit').textContent = 'Fit: ' + (c.fit_screen ? 'contain' : 'cover');
            $('lock').textContent = 'Overlay: ' + (c.overlay_locked ? 'on' : 'off');
            $('opacity').value = c.opacity;
            $('opacity-value').textContent = Math.round(c.opacity * 100) + '%';
            $('status').textContent =
                'camera  ' + s.camera.phase + (s.camera.error ? ' (' + s.camera.error + ')' : '') + '\n' +
                'image   ' + s.image.phase + (s.image.error ? ' (' + s.image.error + ')' : '') + '\n' +
                'surface ' + s.surface.width + 'x' + s.surface.height + (s.surface.drawn ? ' drawn' : '');
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/api/events');
            ws.onmessage = (e) => render(JSON.parse(e.data));
            ws.onclose = () => setTimeout(connect, 1000);
        }

        function reportViewport() {
            send('PUT', '/api/viewport', { width: window.innerWidth, height: window.innerHeight });
        }

        $('fit').onclick = () => send('POST', '/api/controls/fit/toggle');
        $('lock').onclick = () => send('POST', '/api/controls/overlay/toggle');
        $('opacity').oninput = (e) => send('PUT', '/api/controls/opacity', { opacity: parseFloat(e.target.value) });
        $('set-url').onclick = () => send('PUT', '/api/controls/image', { url: $('url').value });
        $('clear').onclick = () => send('DELETE', '/api/controls/image');
        $('file').onchange = (e) => {
            if (!e.target.files.length) return;
            const form = new FormData();
            form.append('file', e.target.files[0]);
            fetch('/api/controls/image', { method: 'POST', body: form });
        };

        document.addEventListener('keydown', (e) => {
            if (e.key === 'h' && e.target.tagName !== 'INPUT') {
                $('panel').classList.toggle('hidden');
            }
        });

        let resizeTimer;
        window.addEventListener('resize', () => {
            clearTimeout(resizeTimer);
            resizeTimer = setTimeout(reportViewport, 200);
        });

        reportViewport();
        connect();
    </script>
</body>
</html>
`
