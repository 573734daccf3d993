package rodpage

// queryJS collects elements for page.Page.Query in one round trip. Paths
// follow the same rule as htmlpage: "#id" for unique plain ids, otherwise
// tag steps with :nth-of-type when a tag repeats among siblings.
const queryJS = `(selectors, maxScan, tracked) => {
	const plain = /^[A-Za-z][A-Za-z0-9_-]*$/;
	const order = new Map();
	const all = document.getElementsByTagName('*');
	for (let i = 0; i < all.length; i++) order.set(all[i], i);

	const step = (el) => {
		const tag = el.tagName.toLowerCase();
		const parent = el.parentElement;
		if (!parent) return tag;
		const sibs = Array.from(parent.children).filter(s => s.tagName === el.tagName);
		if (sibs.length <= 1) return tag;
		return tag + ':nth-of-type(' + (sibs.indexOf(el) + 1) + ')';
	};
	const path = (el) => {
		const parts = [];
		for (let c = el; c && c.nodeType === 1; c = c.parentElement) {
			if (c.id && plain.test(c.id) && document.querySelectorAll('#' + c.id).length === 1) {
				parts.push('#' + c.id);
				break;
			}
			if (c.tagName.toLowerCase() === 'html') { parts.push('html'); break; }
			parts.push(step(c));
		}
		return parts.reverse().join(' > ');
	};
	const landmarkTags = new Set(['main', 'nav', 'header', 'footer', 'aside', 'article', 'section']);
	const landmarkRoles = new Set(['main', 'navigation', 'banner', 'contentinfo', 'complementary', 'region', 'search', 'form']);
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
	const label = (el) => {
		const aria = el.getAttribute('aria-label');
		if (aria) return aria;
		if (el.labels && el.labels.length) return norm(el.labels[0].innerText);
		return el.getAttribute('placeholder') || '';
	};

	const seen = new Set();
	const out = [];
	for (const sel of selectors) {
		let nodes;
		try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
		for (const el of nodes) {
			if (seen.has(el)) continue;
			seen.add(el);
			const tag = el.tagName.toLowerCase();
			const r = el.getBoundingClientRect();
			const st = window.getComputedStyle(el);
			const attrs = {};
			for (const a of tracked) if (el.hasAttribute(a)) attrs[a] = el.getAttribute(a);
			let text = '';
			if (tag === 'textarea' || tag === 'input' || tag === 'select') {
				if (tag !== 'select') attrs.value = el.value;
			} else {
				text = norm(el.innerText || el.textContent);
			}
			let form = '', landmark = '';
			for (let p = el.parentElement; p; p = p.parentElement) {
				const pt = p.tagName.toLowerCase();
				if (!form && pt === 'form') form = path(p);
				if (!landmark) {
					const role = (p.getAttribute('role') || '').toLowerCase();
					if (landmarkTags.has(pt)) landmark = pt;
					else if (landmarkRoles.has(role)) landmark = role;
				}
			}
			out.push({
				selector: path(el),
				tag: tag,
				role: (el.getAttribute('role') || '').toLowerCase(),
				text: text,
				label: label(el),
				attrs: attrs,
				box: {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height},
				visible: r.width > 0 && r.height > 0 && st.display !== 'none' && st.visibility !== 'hidden',
				disabled: !!el.disabled || el.getAttribute('aria-disabled') === 'true',
				form: form,
				landmark: landmark,
				order: order.get(el),
			});
			if (maxScan > 0 && out.length >= maxScan) return JSON.stringify(out);
		}
	}
	return JSON.stringify(out);
}`

const identityJS = `() => JSON.stringify({url: location.href, html: document.documentElement.outerHTML})`

const countJS = `(sel) => document.querySelectorAll(sel).length`

const outerHTMLJS = `(sel) => {
	const el = sel ? document.querySelector(sel) : document.documentElement;
	return el ? el.outerHTML : null;
}`

const scrollByJS = `(dx, dy) => window.scrollBy(dx, dy)`

// evalJS wraps a caller expression so that the result comes back as JSON
// text whatever its type.
const evalJS = `(src) => {
	const v = (0, eval)(src);
	return Promise.resolve(v).then(r => JSON.stringify(r === undefined ? null : r));
}`
