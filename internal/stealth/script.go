package stealth

// evasionScript runs before any page script in every document of a session.
const evasionScript = `(() => {
  const define = (obj, prop, getter) => {
    try { Object.defineProperty(obj, prop, { get: getter, configurable: true }); } catch (e) {}
  };

  define(navigator, 'webdriver', () => undefined);
  try { delete Object.getPrototypeOf(navigator).webdriver; } catch (e) {}

  define(navigator, 'plugins', () => [
    { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format', length: 1 },
    { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '', length: 1 },
    { name: 'Native Client', filename: 'internal-nacl-plugin', description: '', length: 2 },
  ]);
  define(navigator, 'languages', () => ['en-US', 'en']);
  define(navigator, 'platform', () => 'Win32');
  define(navigator, 'hardwareConcurrency', () => 8);
  define(navigator, 'deviceMemory', () => 8);

  window.chrome = {
    runtime: {},
    loadTimes: function() {},
    csi: function() {},
    app: {},
  };

  if (navigator.permissions && navigator.permissions.query) {
    const originalQuery = navigator.permissions.query.bind(navigator.permissions);
    navigator.permissions.query = (parameters) => (
      parameters && parameters.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : originalQuery(parameters)
    );
  }

  const spoofGL = (proto) => {
    if (!proto) return;
    const getParameter = proto.getParameter;
    proto.getParameter = function(parameter) {
      if (parameter === 37445) return 'Intel Inc.';
      if (parameter === 37446) return 'Intel Iris OpenGL Engine';
      return getParameter.apply(this, arguments);
    };
  };
  spoofGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  spoofGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  try {
    Object.defineProperty(navigator, 'getBattery', {
      value: () => Promise.resolve({ charging: true, chargingTime: 0, dischargingTime: Infinity, level: 1.0 }),
      configurable: true,
    });
  } catch (e) {}

  for (const key of Object.keys(window)) {
    if (key.startsWith('cdc_') || key.startsWith('__webdriver') || key === 'chromedp') {
      try { delete window[key]; } catch (e) {}
    }
  }

  define(navigator, 'connection', () => ({ effectiveType: '4g', rtt: 100, downlink: 10, saveData: false }));

  const originalDebug = console.debug;
  console.debug = function() {
    const first = arguments[0];
    if (typeof first === 'string' && (first.includes('chromedp') || first.includes('HeadlessChrome'))) {
      return;
    }
    return originalDebug.apply(console, arguments);
  };
})();`

// scrollScript scrolls in 100px steps every 100ms until the bottom is reached.
const scrollScript = `new Promise((resolve) => {
  let total = 0;
  const distance = 100;
  const timer = setInterval(() => {
    const height = document.body ? document.body.scrollHeight : 0;
    window.scrollBy(0, distance);
    total += distance;
    if (total >= height) {
      clearInterval(timer);
      resolve(total);
    }
  }, 100);
})`
