package browser

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ashureev/webpilot/internal/action"
)

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func selectScript(a action.Action) string {
	by, want := "value", jsString(a.Value)
	switch {
	case a.Label != "":
		by, want = "label", jsString(a.Label)
	case a.Index != nil:
		by, want = "index", strconv.Itoa(*a.Index)
	}
	return fmt.Sprintf(`(function(sel, by, want) {
  const el = document.querySelector(sel);
  if (!el || el.tagName !== 'SELECT') throw new Error('no select matches ' + sel);
  const opts = Array.from(el.options);
  let i = -1;
  if (by === 'value') i = opts.findIndex(o => o.value === want);
  else if (by === 'label') i = opts.findIndex(o => o.text.trim() === want);
  else i = want;
  if (i < 0 || i >= opts.length) throw new Error('no option ' + by + '=' + want);
  el.selectedIndex = i;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return el.value;
})(%s, %s, %s)`, jsString(a.Selector), jsString(by), want)
}

func checkScript(selector string, checked bool) string {
	return fmt.Sprintf(`(function(sel, want) {
  const el = document.querySelector(sel);
  if (!el) throw new Error('no element matches ' + sel);
  if (el.checked !== want) el.click();
  return el.checked;
})(%s, %t)`, jsString(selector), checked)
}

func centerScript(selector string) string {
	return fmt.Sprintf(`(function(sel) {
  const el = document.querySelector(sel);
  if (!el) throw new Error('no element matches ' + sel);
  const r = el.getBoundingClientRect();
  return {x: r.left + r.width / 2, y: r.top + r.height / 2};
})(%s)`, jsString(selector))
}

func extractScript(selector string, maxLen int, html bool) string {
	if maxLen <= 0 {
		maxLen = 4000
	}
	prop := "innerText"
	if html {
		prop = "outerHTML"
	}
	return fmt.Sprintf(`(function(sel, max) {
  const el = (sel && document.querySelector(sel)) || document.body;
  const out = (el && el.%s) || '';
  return out.slice(0, max);
})(%s, %d)`, prop, jsString(selector), maxLen)
}

const clearActiveScript = `(function() {
  const el = document.activeElement;
  if (el && 'value' in el) {
    el.value = '';
    el.dispatchEvent(new Event('input', {bubbles: true}));
  }
})()`

func observeScript(limit int) string {
	return fmt.Sprintf(`(function(limit) {
  const query = 'a[href], button, input:not([type=hidden]), select, textarea, summary, ' +
    '[role=button], [role=link], [role=tab], [role=menuitem], [role=checkbox], [onclick], [contenteditable=true]';
  const vw = window.innerWidth, vh = window.innerHeight;
  const clean = s => (s || '').replace(/\s+/g, ' ').trim().slice(0, 120);
  const selectorFor = el => {
    if (el.id) return '#' + CSS.escape(el.id);
    const name = el.getAttribute('name');
    if (name) return el.tagName.toLowerCase() + '[name="' + name.replace(/"/g, '\\"') + '"]';
    const parts = [];
    for (let n = el; n && n.nodeType === 1 && parts.length < 4; n = n.parentElement) {
      let part = n.tagName.toLowerCase();
      const parent = n.parentElement;
      if (parent) {
        const same = Array.from(parent.children).filter(c => c.tagName === n.tagName);
        if (same.length > 1) part += ':nth-of-type(' + (same.indexOf(n) + 1) + ')';
      }
      parts.unshift(part);
      if (n.id) { parts[0] = '#' + CSS.escape(n.id); break; }
    }
    return parts.join(' > ');
  };
  const out = [];
  for (const el of document.querySelectorAll(query)) {
    if (out.length >= limit) break;
    const r = el.getBoundingClientRect();
    if (r.width < 1 || r.height < 1 || r.bottom < 0 || r.right < 0 || r.top > vh || r.left > vw) continue;
    const style = getComputedStyle(el);
    if (style.visibility === 'hidden' || style.display === 'none' || style.opacity === '0') continue;
    out.push({
      tag: el.tagName.toLowerCase(),
      role: el.getAttribute('role') || el.getAttribute('type') || '',
      label: clean(el.getAttribute('aria-label') || el.innerText || el.value || el.getAttribute('placeholder') || el.getAttribute('title')),
      box: {x: Math.round(r.left), y: Math.round(r.top), w: Math.round(r.width), h: Math.round(r.height)},
      href: el.href ? String(el.href).slice(0, 500) : '',
      value: typeof el.value === 'string' && el.type !== 'password' ? el.value.slice(0, 200) : '',
      selector: selectorFor(el)
    });
  }
  return {url: location.href, width: vw, height: vh, elements: out};
})(%d)`, limit)
}
